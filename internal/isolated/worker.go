package isolated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/coreclaw/coreclaw/internal/workspace"
)

// RunWorker is the child-process entry point: it reads one Request from
// stdin, executes it, and writes one Response to stdout. Exit code is always
// zero when a response was written; protocol errors surface in the response.
func RunWorker(stdin io.Reader, stdout io.Writer) error {
	var req Request
	dec := json.NewDecoder(stdin)
	if err := dec.Decode(&req); err != nil {
		return writeResponse(stdout, Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
	}

	result, err := executeRequest(context.Background(), req)
	if err != nil {
		return writeResponse(stdout, Response{OK: false, Error: err.Error()})
	}
	return writeResponse(stdout, Response{OK: true, Result: result})
}

func writeResponse(w io.Writer, resp Response) error {
	enc := json.NewEncoder(w)
	return enc.Encode(resp)
}

// ExecuteLocal runs a request in-process. Used as the non-sandboxed path
// when isolation is disabled for a tool.
func ExecuteLocal(ctx context.Context, req Request) (json.RawMessage, error) {
	return executeRequest(ctx, req)
}

func executeRequest(ctx context.Context, req Request) (json.RawMessage, error) {
	switch req.Tool {
	case "shell.exec":
		if req.Shell == nil {
			return nil, errors.New("missing shell payload")
		}
		return runShell(ctx, *req.Shell)
	case "web.fetch":
		if req.Fetch == nil {
			return nil, errors.New("missing fetch payload")
		}
		return runFetch(ctx, *req.Fetch)
	case "fs.write":
		if req.Write == nil {
			return nil, errors.New("missing write payload")
		}
		return runWrite(*req.Write)
	default:
		return nil, fmt.Errorf("unknown isolated tool %q", req.Tool)
	}
}

// ShellResult is the worker result for shell.exec.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// runShell tokenizes the command into argv and spawns it without a shell
// interpreter.
func runShell(ctx context.Context, p ShellPayload) (json.RawMessage, error) {
	if !p.AllowShell {
		return nil, errors.New("shell execution is disabled (allowShell=false)")
	}
	argv, err := SplitCommand(p.Command)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if len(p.AllowedCommands) > 0 {
		allowed := false
		for _, c := range p.AllowedCommands {
			if argv[0] == c {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("command %q is not in allowedShellCommands", argv[0])
		}
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	if p.WorkDir != "" {
		cmd.Dir = p.WorkDir
	}
	maxOut := p.MaxOutputChars
	if maxOut <= 0 {
		maxOut = 64 * 1024
	}
	stdout := &boundedBuffer{limit: maxOut}
	stderr := &boundedBuffer{limit: maxOut}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	result := ShellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			if execCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("command timed out after %s", timeout)
			}
			return nil, fmt.Errorf("exec: %w", runErr)
		}
	}
	return json.Marshal(result)
}

// FetchResult is the worker result for web.fetch.
type FetchResult struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Truncated bool              `json:"truncated"`
}

// runFetch enforces the URL policy inside the sandbox, performs the request
// with redirects rejected, and bounds the body.
func runFetch(ctx context.Context, p FetchPayload) (json.RawMessage, error) {
	if err := p.Policy.CheckURL(ctx, p.URL); err != nil {
		return nil, fmt.Errorf("url policy: %w", err)
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errors.New("redirects are not followed")
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	maxChars := p.MaxResponseChars
	if maxChars <= 0 {
		maxChars = 64 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := false
	if len(body) > maxChars {
		body = body[:maxChars]
		truncated = true
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(FetchResult{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      string(body),
		Truncated: truncated,
	})
}

// WriteResult is the worker result for fs.write.
type WriteResult struct {
	Path    string `json:"path"`
	Written int    `json:"written"`
}

// runWrite resolves the target under the workspace root (blocking symlink
// escapes) and writes or appends.
func runWrite(p WritePayload) (json.RawMessage, error) {
	ws, err := workspace.New(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if p.Append {
		if err := ws.Append(p.Path, p.Content); err != nil {
			return nil, err
		}
	} else {
		if err := ws.Write(p.Path, p.Content); err != nil {
			return nil, err
		}
	}
	return json.Marshal(WriteResult{Path: p.Path, Written: len(p.Content)})
}
