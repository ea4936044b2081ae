// Package launcher sequences one external CLI invocation: pick a key,
// export it to the subprocess environment, run the tool, then record
// usage and append the exchange to the task log. Concurrency comes only
// from multiple independent processes doing the same against the shared
// store; the launcher itself runs one subprocess at a time.
package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/config"
	"agent-key-broker/internal/keystore"
	"agent-key-broker/internal/monitor"
	"agent-key-broker/internal/notify"
	"agent-key-broker/internal/runtime"
	"agent-key-broker/internal/tasklog"
)

// State is the position of a run in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateKeySelected
	StateExternalRunning
	StateRecorded
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeySelected:
		return "key_selected"
	case StateExternalRunning:
		return "external_running"
	case StateRecorded:
		return "recorded"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// KeySelector picks the next usable credential.
type KeySelector interface {
	Select(ctx context.Context) (keystore.Credential, error)
}

// UsageRecorder persists usage after a completed invocation.
type UsageRecorder interface {
	Record(ctx context.Context, upd keystore.UsageUpdate) error
}

// TaskLog is the session log surface the launcher needs.
type TaskLog interface {
	GetContext(ctx context.Context, taskID string) ([]tasklog.Exchange, error)
	AppendInteraction(ctx context.Context, taskID, prompt, response string) error
	LogCommand(ctx context.Context, cmd tasklog.CommandExecution) error
}

// execFunc runs the external tool. Injectable for tests.
type execFunc func(ctx context.Context, bin string, args []string, stdin string, env []string) (stdout, stderr []byte, exitCode int, err error)

// RunResult is the outcome of one completed invocation.
type RunResult struct {
	TaskID   string
	KeyName  string
	Response string
	Tokens   int64
	Duration time.Duration
	State    State

	// ExitCode is the external tool's exit status: 0 on success, -1 when
	// the process never ran or was killed before exiting.
	ExitCode int

	// RecordingGap is true when the CLI call succeeded but the usage
	// update failed to persist: the pool under-counts this call.
	RecordingGap bool
}

// Launcher orchestrates invocations of one configured CLI runtime.
type Launcher struct {
	selector KeySelector
	recorder UsageRecorder
	tasks    TaskLog
	cli      runtime.CLI
	cfg      config.LauncherConfig
	throttle time.Duration
	notifier notify.Notifier
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	exec     execFunc
}

// New creates a Launcher. notifier and metrics may be nil.
func New(selector KeySelector, recorder UsageRecorder, tasks TaskLog, cli runtime.CLI,
	cfg config.LauncherConfig, throttle time.Duration, notifier notify.Notifier, metrics *monitor.Metrics) *Launcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Launcher{
		selector: selector,
		recorder: recorder,
		tasks:    tasks,
		cli:      cli,
		cfg:      cfg,
		throttle: throttle,
		notifier: notifier,
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		exec:     runExternal,
	}
}

// Run executes one prompt under taskID (empty = the hostname-date task).
// On success the exchange is appended to the task log and usage recorded;
// a failed usage update is reported as RecordingGap, never as a run
// failure. On CLI failure nothing is recorded: at most one usage row per
// invocation attempt, on every exit path.
func (l *Launcher) Run(ctx context.Context, prompt, taskID string) (*RunResult, error) {
	if err := l.cli.Validate(prompt); err != nil {
		return nil, fmt.Errorf("invalid prompt: %w", err)
	}
	if taskID == "" {
		taskID = tasklog.DefaultTaskID()
	}

	ctx, span := l.tracer.StartSpan(ctx, "run",
		monitor.AttrTaskID.String(taskID),
		monitor.AttrRuntime.String(l.cli.Name()),
	)
	defer span.End()

	res := &RunResult{TaskID: taskID, State: StateIdle}

	// Idle -> KeySelected
	cred, err := l.selector.Select(ctx)
	if err != nil {
		res.State = StateFailed
		if keystore.IsExhausted(err) {
			l.notifier.Notify(ctx, notify.Event{
				Level:   notify.LevelWarning,
				Message: "no available API keys",
				TaskID:  taskID,
			})
			return res, fmt.Errorf("no key available, retry later: %w", err)
		}
		return res, fmt.Errorf("selecting key: %w", err)
	}
	res.State = StateKeySelected
	res.KeyName = cred.KeyName
	span.SetAttributes(monitor.AttrKeyName.String(cred.KeyName))

	if err := l.throttleKey(ctx, cred); err != nil {
		res.State = StateFailed
		return res, err
	}

	contextFile, cleanup, err := l.writeContextFile(ctx, taskID)
	if err != nil {
		// Missing history must not block the run; start fresh.
		log.Warn().Err(err).Str("task_id", taskID).Msg("context unavailable, running without history")
		contextFile = ""
	}
	if cleanup != nil {
		defer cleanup()
	}

	// KeySelected -> ExternalRunning
	res.State = StateExternalRunning
	bin := l.cfg.Command
	if bin == "" {
		bin = l.cli.Binary()
	}
	args, stdin := l.cli.Command(prompt, contextFile)

	execCtx := ctx
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	env := append(os.Environ(), l.cli.EnvVar()+"="+cred.KeyValue)

	log.Info().
		Str("runtime", l.cli.Name()).
		Str("task_id", taskID).
		Str("key_name", cred.KeyName).
		Msg("launching external CLI")

	start := time.Now()
	if l.metrics != nil {
		l.metrics.ActiveLaunches.Inc()
	}
	stdout, stderr, exitCode, execErr := l.exec(execCtx, bin, args, stdin, env)
	res.Duration = time.Since(start)
	res.ExitCode = exitCode
	span.SetAttributes(monitor.AttrExitCode.Int(exitCode))
	if l.metrics != nil {
		l.metrics.ActiveLaunches.Dec()
	}

	l.logCommand(ctx, taskID, bin, args)

	if execErr != nil {
		res.State = StateFailed
		if l.metrics != nil {
			l.metrics.RecordLaunch(l.cli.Name(), "error", res.Duration.Seconds())
		}
		log.Error().
			Err(execErr).
			Int("exit_code", exitCode).
			Str("stderr", truncate(string(stderr), 2048)).
			Str("key_name", cred.KeyName).
			Msg("external CLI failed")
		l.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelError,
			Message: "external CLI invocation failed",
			KeyName: cred.KeyName,
			TaskID:  taskID,
		})
		return res, fmt.Errorf("running %s: %w", bin, execErr)
	}

	parsed := l.cli.ParseResult(stdout, prompt)
	res.Response = parsed.Response
	res.Tokens = parsed.Tokens
	span.SetAttributes(monitor.AttrTokens.Int64(parsed.Tokens))

	// ExternalRunning -> Recorded. A failed update is a reconciliation
	// gap: logged and surfaced on the result, but the response still
	// reaches the caller.
	if err := l.recorder.Record(ctx, keystore.UsageUpdate{
		KeyName:     cred.KeyName,
		Tokens:      parsed.Tokens,
		TaskID:      taskID,
		RequestType: l.cli.Name() + "_request",
	}); err != nil {
		res.RecordingGap = true
	}
	res.State = StateRecorded

	if err := l.tasks.AppendInteraction(ctx, taskID, prompt, parsed.Response); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to append interaction")
	}

	if l.metrics != nil {
		l.metrics.RecordLaunch(l.cli.Name(), "success", res.Duration.Seconds())
	}

	res.State = StateDone
	return res, nil
}

// throttleKey sleeps out the remainder of the per-key minimum interval.
func (l *Launcher) throttleKey(ctx context.Context, cred keystore.Credential) error {
	if l.throttle <= 0 || cred.LastUsed == nil {
		return nil
	}
	since := time.Since(*cred.LastUsed)
	if since >= l.throttle {
		return nil
	}

	wait := l.throttle - since
	log.Info().
		Str("key_name", cred.KeyName).
		Dur("wait", wait).
		Msg("throttling: key used too recently")

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeContextFile renders the task's history to a temp file for runtimes
// that accept one. Returns an empty path when the task has no history.
func (l *Launcher) writeContextFile(ctx context.Context, taskID string) (string, func(), error) {
	pairs, err := l.tasks.GetContext(ctx, taskID)
	if err != nil {
		return "", nil, err
	}
	if len(pairs) == 0 {
		return "", nil, nil
	}

	payload, err := json.Marshal(map[string]any{"history": pairs})
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "broker-context-*.json")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	f.Close()

	name := f.Name()
	return name, func() { os.Remove(name) }, nil
}

func (l *Launcher) logCommand(ctx context.Context, taskID, bin string, args []string) {
	cmd := bin
	for _, a := range args {
		cmd += " " + a
	}
	err := l.tasks.LogCommand(ctx, tasklog.CommandExecution{
		TaskID:      taskID,
		Command:     truncate(cmd, 4096),
		Permissions: "env-key",
		UserConfirm: true,
		AgentMode:   l.cli.Name(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to append command log")
	}
}

// runExternal is the production execFunc: one blocking subprocess.
func runExternal(ctx context.Context, bin string, args []string, stdin string, env []string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- argv comes from the runtime adapter, not user input
	cmd.Env = env
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}
	return stdout.Bytes(), stderr.Bytes(), code, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
