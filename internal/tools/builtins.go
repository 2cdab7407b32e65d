package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/isolated"
	"github.com/coreclaw/coreclaw/internal/scheduler"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// globalMemoryPath is the workspace file backing memory scope=global.
const globalMemoryPath = "memory/GLOBAL.md"

// RegisterBuiltins wires every built-in tool into the registry.
func RegisterBuiltins(r *Registry, runtime *isolated.Runtime, cfg config.Config) {
	registerSandboxed(r, runtime, cfg)
	registerChat(r)
	registerMessaging(r)
	registerMemory(r)
	registerSkills(r)
	registerTasks(r)
	registerDeadLetter(r)
}

func registerChat(r *Registry) {
	type registerParams struct {
		Role         string `json:"role,omitempty" jsonschema:"description=Requested role: normal or admin,enum=normal,enum=admin"`
		BootstrapKey string `json:"bootstrapKey,omitempty" jsonschema:"description=Shared secret for the admin bootstrap protocol"`
	}
	r.Register("chat.register",
		"Register this chat for full message persistence. role=admin invokes the admin bootstrap protocol.",
		&registerParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p registerParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "chat.register", Detail: err.Error()}
			}
			if p.Role == "admin" && !tc.Chat.IsAdmin() {
				if err := tc.Bootstrap.Attempt(ctx, tc.Chat, p.BootstrapKey); err != nil {
					return "", err
				}
			}
			if err := tc.Store.SetChatRegistered(ctx, tc.Chat.ID, true); err != nil {
				return "", err
			}
			role := tc.Chat.Role
			if p.Role == "admin" {
				role = storage.RoleAdmin
			}
			return fmt.Sprintf("chat registered (role=%s)", role), nil
		})
}

func registerMessaging(r *Registry) {
	type sendParams struct {
		Channel string `json:"channel,omitempty" jsonschema:"description=Target channel; defaults to the current chat's channel"`
		ChatID  string `json:"chatId,omitempty" jsonschema:"description=Target chat id; defaults to the current chat"`
		Content string `json:"content" jsonschema:"description=Message text to send"`
	}
	r.Register("message.send",
		"Send a message to a chat. Sending across a different (channel, chatId) pair requires admin.",
		&sendParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p sendParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "message.send", Detail: err.Error()}
			}
			if strings.TrimSpace(p.Content) == "" {
				return "", &ErrBadArgs{Tool: "message.send", Detail: "content must not be empty"}
			}
			channel := p.Channel
			if channel == "" {
				channel = tc.Chat.Channel
			}
			chatID := p.ChatID
			if chatID == "" {
				chatID = tc.Chat.ChatID
			}
			env, err := tc.Bus.PublishOutbound(ctx, bus.Envelope{
				ID:      uuid.NewString(),
				Channel: channel,
				ChatID:  chatID,
				Content: p.Content,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("queued outbound %s to %s:%s", env.ID, channel, chatID), nil
		})
}

func registerMemory(r *Registry) {
	type readParams struct {
		Scope string `json:"scope,omitempty" jsonschema:"description=Memory scope,enum=chat,enum=global"`
	}
	r.Register("memory.read",
		"Read the memory file for this chat (scope=chat) or the shared global memory (scope=global).",
		&readParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p readParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "memory.read", Detail: err.Error()}
			}
			path := memoryPath(tc, p.Scope)
			content := tc.Workspace.ReadOptional(path)
			if content == "" {
				return "(memory is empty)", nil
			}
			return content, nil
		})

	type writeParams struct {
		Scope   string `json:"scope,omitempty" jsonschema:"description=Memory scope; global requires admin,enum=chat,enum=global"`
		Content string `json:"content" jsonschema:"description=Content to store"`
		Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
	}
	r.Register("memory.write",
		"Write the memory file for this chat, or the global memory with scope=global (admin only).",
		&writeParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p writeParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "memory.write", Detail: err.Error()}
			}
			path := memoryPath(tc, p.Scope)
			if p.Append {
				if err := tc.Workspace.Append(path, p.Content); err != nil {
					return "", err
				}
			} else {
				if err := tc.Workspace.Write(path, p.Content); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("memory updated (%s)", path), nil
		})
}

func memoryPath(tc *Context, scope string) string {
	if scope == "global" {
		return globalMemoryPath
	}
	return tc.Workspace.ChatMemoryPath(tc.Chat.Channel, tc.Chat.ChatID)
}

func registerSkills(r *Registry) {
	r.Register("skills.list",
		"List available skills and whether each is enabled for this chat.",
		nil,
		func(ctx context.Context, tc *Context, _ json.RawMessage) (string, error) {
			state, err := tc.Store.GetConversationState(ctx, tc.Chat.ID)
			if err != nil {
				return "", err
			}
			enabled := make(map[string]bool, len(state.EnabledSkills))
			for _, name := range state.EnabledSkills {
				enabled[strings.ToLower(name)] = true
			}
			var b strings.Builder
			for _, s := range tc.Skills.All() {
				flag := " "
				if s.Always {
					flag = "always"
				} else if enabled[strings.ToLower(s.Name)] {
					flag = "enabled"
				}
				fmt.Fprintf(&b, "- %s [%s]: %s\n", s.Name, flag, s.Description)
			}
			if b.Len() == 0 {
				return "(no skills installed)", nil
			}
			return b.String(), nil
		})

	type nameParams struct {
		Name string `json:"name" jsonschema:"description=Skill name"`
	}
	r.Register("skills.enable",
		"Enable a skill for this chat; its body is included in future prompts.",
		&nameParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p nameParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "skills.enable", Detail: err.Error()}
			}
			if _, ok := tc.Skills.Get(p.Name); !ok {
				return "", &ErrBadArgs{Tool: "skills.enable", Detail: fmt.Sprintf("unknown skill %q", p.Name)}
			}
			state, err := tc.Store.GetConversationState(ctx, tc.Chat.ID)
			if err != nil {
				return "", err
			}
			for _, existing := range state.EnabledSkills {
				if strings.EqualFold(existing, p.Name) {
					return fmt.Sprintf("skill %q already enabled", p.Name), nil
				}
			}
			state.EnabledSkills = append(state.EnabledSkills, p.Name)
			if err := tc.Store.PutConversationState(ctx, state); err != nil {
				return "", err
			}
			return fmt.Sprintf("skill %q enabled", p.Name), nil
		})

	r.Register("skills.disable",
		"Disable a previously enabled skill for this chat.",
		&nameParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p nameParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "skills.disable", Detail: err.Error()}
			}
			state, err := tc.Store.GetConversationState(ctx, tc.Chat.ID)
			if err != nil {
				return "", err
			}
			kept := state.EnabledSkills[:0]
			removed := false
			for _, existing := range state.EnabledSkills {
				if strings.EqualFold(existing, p.Name) {
					removed = true
					continue
				}
				kept = append(kept, existing)
			}
			if !removed {
				return fmt.Sprintf("skill %q was not enabled", p.Name), nil
			}
			state.EnabledSkills = kept
			if err := tc.Store.PutConversationState(ctx, state); err != nil {
				return "", err
			}
			return fmt.Sprintf("skill %q disabled", p.Name), nil
		})
}

func registerTasks(r *Registry) {
	type createParams struct {
		Prompt        string `json:"prompt" jsonschema:"description=Prompt delivered when the task fires"`
		ScheduleType  string `json:"scheduleType" jsonschema:"description=cron interval or once,enum=cron,enum=interval,enum=once"`
		ScheduleValue string `json:"scheduleValue" jsonschema:"description=Cron expression; interval in ms; or unix-ms timestamp for once"`
		ContextMode   string `json:"contextMode,omitempty" jsonschema:"description=group shares chat history; isolated runs without it,enum=group,enum=isolated"`
	}
	r.Register("task.create",
		"Create a scheduled task for this chat.",
		&createParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p createParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "task.create", Detail: err.Error()}
			}
			firstRun, err := scheduler.FirstRun(p.ScheduleType, p.ScheduleValue, time.Now())
			if err != nil {
				return "", &ErrBadArgs{Tool: "task.create", Detail: err.Error()}
			}
			id, err := tc.Store.CreateTask(ctx, storage.Task{
				ChatFk:        tc.Chat.ID,
				Prompt:        p.Prompt,
				ScheduleType:  p.ScheduleType,
				ScheduleValue: p.ScheduleValue,
				ContextMode:   p.ContextMode,
				NextRunAt:     firstRun,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("task %d created, next run %s", id, firstRun.Format(time.RFC3339)), nil
		})

	r.Register("task.list",
		"List the scheduled tasks for this chat.",
		nil,
		func(ctx context.Context, tc *Context, _ json.RawMessage) (string, error) {
			tasks, err := tc.Store.ListTasks(ctx, tc.Chat.ID)
			if err != nil {
				return "", err
			}
			if len(tasks) == 0 {
				return "(no tasks)", nil
			}
			b, err := json.MarshalIndent(tasks, "", "  ")
			if err != nil {
				return "", err
			}
			return string(b), nil
		})

	type idParams struct {
		TaskID int64 `json:"taskId" jsonschema:"description=Task id"`
	}
	taskForChat := func(ctx context.Context, tc *Context, id int64) (storage.Task, error) {
		task, err := tc.Store.GetTask(ctx, id)
		if err != nil {
			return storage.Task{}, &ErrBadArgs{Tool: "task", Detail: fmt.Sprintf("unknown task %d", id)}
		}
		if task.ChatFk != tc.Chat.ID && !tc.Chat.IsAdmin() {
			return storage.Task{}, &ErrBadArgs{Tool: "task", Detail: fmt.Sprintf("task %d belongs to another chat", id)}
		}
		return task, nil
	}

	r.Register("task.pause", "Pause an active task.", &idParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p idParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "task.pause", Detail: err.Error()}
			}
			if _, err := taskForChat(ctx, tc, p.TaskID); err != nil {
				return "", err
			}
			if err := tc.Store.SetTaskStatus(ctx, p.TaskID, storage.TaskStatusPaused, time.Time{}); err != nil {
				return "", err
			}
			return fmt.Sprintf("task %d paused", p.TaskID), nil
		})

	r.Register("task.resume", "Resume a paused task.", &idParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p idParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "task.resume", Detail: err.Error()}
			}
			task, err := taskForChat(ctx, tc, p.TaskID)
			if err != nil {
				return "", err
			}
			next, err := scheduler.FirstRun(task.ScheduleType, task.ScheduleValue, time.Now())
			if err != nil {
				next = time.Now()
			}
			if err := tc.Store.SetTaskStatus(ctx, p.TaskID, storage.TaskStatusActive, next); err != nil {
				return "", err
			}
			return fmt.Sprintf("task %d resumed, next run %s", p.TaskID, next.Format(time.RFC3339)), nil
		})

	r.Register("task.delete", "Delete a task and its run history.", &idParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p idParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "task.delete", Detail: err.Error()}
			}
			if _, err := taskForChat(ctx, tc, p.TaskID); err != nil {
				return "", err
			}
			if err := tc.Store.DeleteTask(ctx, p.TaskID); err != nil {
				return "", err
			}
			return fmt.Sprintf("task %d deleted", p.TaskID), nil
		})
}

func registerDeadLetter(r *Registry) {
	type replayParams struct {
		QueueID   int64  `json:"queueId,omitempty" jsonschema:"description=Specific queue record to replay"`
		Direction string `json:"direction,omitempty" jsonschema:"description=Replay a direction instead of one record,enum=inbound,enum=outbound"`
		Limit     int    `json:"limit,omitempty" jsonschema:"description=Max records to replay"`
	}
	r.Register("bus.replay_dead_letter",
		"Replay dead-letter records back onto the queue. Admin only.",
		&replayParams{},
		func(ctx context.Context, tc *Context, args json.RawMessage) (string, error) {
			var p replayParams
			if err := json.Unmarshal(args, &p); err != nil {
				return "", &ErrBadArgs{Tool: "bus.replay_dead_letter", Detail: err.Error()}
			}
			ids, err := tc.DeadLetter.ReplayDeadLetterMessages(ctx, p.QueueID, p.Direction, p.Limit)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("replayed %d dead-letter records: %v", len(ids), ids), nil
		})
}
