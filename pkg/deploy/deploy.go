package deploy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/certtypes"
	metrics "github.com/cuemby/certd/pkg/certmetrics"
)

// Result is what a single Action.Run returns.
type Result struct {
	Success bool
	Message string
	Detail  any
}

// Action is the tagged-variant contract every deploy action kind
// implements: Restart, UploadToProxy, Email, SshPush.
type Action interface {
	Kind() string
	Run(ctx context.Context, files certtypes.Paths) (Result, error)
}

// FromDescriptor builds the concrete Action for a persisted DeployAction
// descriptor. Unknown types surface BadInput rather than being silently
// skipped.
func FromDescriptor(d certtypes.DeployAction) (Action, error) {
	switch d.Type {
	case "restart":
		container, _ := d.Params["container"].(string)
		if container == "" {
			return nil, certerrors.New(certerrors.BadInput, "restart action requires params.container")
		}
		return RestartAction{Container: container}, nil
	case "upload_to_proxy":
		url, _ := d.Params["url"].(string)
		if url == "" {
			return nil, certerrors.New(certerrors.BadInput, "upload_to_proxy action requires params.url")
		}
		return UploadToProxyAction{URL: url}, nil
	case "email":
		to, _ := d.Params["to"].(string)
		smtpAddr, _ := d.Params["smtpAddr"].(string)
		if to == "" || smtpAddr == "" {
			return nil, certerrors.New(certerrors.BadInput, "email action requires params.to and params.smtpAddr")
		}
		return EmailAction{To: to, SMTPAddr: smtpAddr}, nil
	case "ssh_push":
		host, _ := d.Params["host"].(string)
		remoteDir, _ := d.Params["remoteDir"].(string)
		if host == "" || remoteDir == "" {
			return nil, certerrors.New(certerrors.BadInput, "ssh_push action requires params.host and params.remoteDir")
		}
		return SshPushAction{Host: host, RemoteDir: remoteDir}, nil
	default:
		return nil, certerrors.New(certerrors.BadInput, fmt.Sprintf("unknown deploy action type %q", d.Type))
	}
}

// RestartAction restarts a named container via the local container
// runtime's CLI. Idempotent: restarting an already-stopped container is a
// no-op success from the operator's point of view.
type RestartAction struct {
	Container string
}

func (a RestartAction) Kind() string { return "restart" }

func (a RestartAction) Run(ctx context.Context, _ certtypes.Paths) (Result, error) {
	cmd := exec.CommandContext(ctx, "docker", "restart", a.Container)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Result{Success: false, Message: stderr.String()}, certerrors.Wrap(certerrors.DeployError, "restart container", err)
	}
	return Result{Success: true, Message: "container restarted"}, nil
}

// UploadToProxyAction POSTs an empty request to a reverse proxy's reload
// endpoint. The certificate and key contents are not sent; the file paths
// are returned in the result's Detail.
type UploadToProxyAction struct {
	URL string
}

func (a UploadToProxyAction) Kind() string { return "upload_to_proxy" }

func (a UploadToProxyAction) Run(ctx context.Context, files certtypes.Paths) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, nil)
	if err != nil {
		return Result{}, certerrors.Wrap(certerrors.DeployError, "build upload request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{}, certerrors.Wrap(certerrors.DeployError, "upload to proxy", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{Success: false, Message: fmt.Sprintf("proxy returned %d", resp.StatusCode)},
			certerrors.New(certerrors.DeployError, fmt.Sprintf("proxy returned %d", resp.StatusCode))
	}
	return Result{Success: true, Message: "uploaded", Detail: files}, nil
}

// EmailAction sends a renewal notification email.
type EmailAction struct {
	To       string
	SMTPAddr string
}

func (a EmailAction) Kind() string { return "email" }

func (a EmailAction) Run(ctx context.Context, files certtypes.Paths) (Result, error) {
	msg := []byte(fmt.Sprintf("Subject: certificate renewed\r\n\r\nRenewed certificate files: %v\r\n", files))
	if err := smtp.SendMail(a.SMTPAddr, nil, "certd@localhost", []string{a.To}, msg); err != nil {
		return Result{Success: false}, certerrors.Wrap(certerrors.DeployError, "send notification email", err)
	}
	return Result{Success: true, Message: "notified " + a.To}, nil
}

// SshPushAction pushes the renewed file set to a remote host via scp.
type SshPushAction struct {
	Host      string
	RemoteDir string
}

func (a SshPushAction) Kind() string { return "ssh_push" }

func (a SshPushAction) Run(ctx context.Context, files certtypes.Paths) (Result, error) {
	for role, path := range files {
		cmd := exec.CommandContext(ctx, "scp", path, fmt.Sprintf("%s:%s/", a.Host, a.RemoteDir))
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return Result{Success: false, Message: stderr.String()},
				certerrors.Wrap(certerrors.DeployError, fmt.Sprintf("push %s file", role), err)
		}
	}
	return Result{Success: true, Message: "pushed " + fmt.Sprint(len(files)) + " files"}, nil
}

// Report is what Dispatch returns: one outcome per action attempted, plus
// a run ID so operators can correlate a fan-out across log lines.
type Report struct {
	RunID   string
	Results []ActionResult
}

// ActionResult pairs an action's descriptor type with its outcome.
type ActionResult struct {
	Type    string
	Result  Result
	Err     error
	Skipped bool
}

// Dispatcher runs a certificate's ordered DeployActions sequentially
// against its post-renewal file set.
type Dispatcher struct {
	logger zerolog.Logger
}

// New returns a Dispatcher that logs through logger.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Dispatch runs descriptors in order against files. A failed action aborts
// the remaining ones unless its descriptor sets RunOnFailure="continue".
// Every attempted action is reported even once the run has aborted further
// execution, so the caller can see what ran and what did not.
func (d *Dispatcher) Dispatch(ctx context.Context, descriptors []certtypes.DeployAction, files certtypes.Paths) Report {
	report := Report{RunID: uuid.NewString()}
	aborted := false

	for _, desc := range descriptors {
		if aborted {
			report.Results = append(report.Results, ActionResult{Type: desc.Type, Skipped: true})
			continue
		}

		action, err := FromDescriptor(desc)
		if err != nil {
			report.Results = append(report.Results, ActionResult{Type: desc.Type, Err: err})
			metrics.DeployActionsTotal.WithLabelValues(desc.Type, "error").Inc()
			if desc.RunOnFailure != "continue" {
				aborted = true
			}
			continue
		}

		timer := metrics.NewTimer()
		runCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
		result, runErr := action.Run(runCtx, files)
		cancel()
		timer.ObserveDurationVec(metrics.DeployActionDuration, action.Kind())

		status := "ok"
		if runErr != nil {
			status = "error"
		}
		metrics.DeployActionsTotal.WithLabelValues(action.Kind(), status).Inc()

		d.logger.Info().
			Str("run_id", report.RunID).
			Str("action", action.Kind()).
			Bool("success", result.Success).
			Err(runErr).
			Msg("deploy action completed")

		report.Results = append(report.Results, ActionResult{Type: desc.Type, Result: result, Err: runErr})
		if runErr != nil && desc.RunOnFailure != "continue" {
			aborted = true
		}
	}

	return report
}
