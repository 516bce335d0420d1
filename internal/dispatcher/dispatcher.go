package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opstools/ssh-broker/internal/apperror"
	"github.com/opstools/ssh-broker/internal/containerctx"
	"github.com/opstools/ssh-broker/internal/exec"
	"github.com/opstools/ssh-broker/internal/models"
	"github.com/opstools/ssh-broker/internal/pty"
	"github.com/opstools/ssh-broker/internal/registry"
	"github.com/opstools/ssh-broker/internal/transfer"
	"github.com/opstools/ssh-broker/internal/tunnel"
)

// defaultTimeoutMs/defaultInterval follow spec.md §6's documented
// defaults. They are fixed constants: the COMMAND_TIMEOUT value loaded by
// internal/config is not passed to the dispatcher.
const (
	defaultTimeoutMs = 10000
	defaultInterval  = 10000
)

// Dispatcher wires every tool name in spec.md §6 to the subsystem that
// implements it.
type Dispatcher struct {
	registry   *registry.Registry
	containers *containerctx.Manager
	engine     *exec.Engine
	background *exec.BackgroundRunner
	transfers  *transfer.Manager
	tunnels    *tunnel.Manager
	terminals  *pty.Manager
	log        zerolog.Logger
}

// New builds a Dispatcher bound to every subsystem it fronts.
func New(
	reg *registry.Registry,
	containers *containerctx.Manager,
	engine *exec.Engine,
	background *exec.BackgroundRunner,
	transfers *transfer.Manager,
	tunnels *tunnel.Manager,
	terminals *pty.Manager,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		containers: containers,
		engine:     engine,
		background: background,
		transfers:  transfers,
		tunnels:    tunnels,
		terminals:  terminals,
		log:        log,
	}
}

// Dispatch validates and routes one named tool call, per spec.md §4.J.
// Errors from the underlying subsystem are always folded into a Result
// with IsError=true rather than returned as a Go error: the dispatcher's
// contract with the orchestrator is transport-fault-free.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, raw json.RawMessage) Result {
	handler, found := handlers[name]
	if !found {
		return errText(fmt.Sprintf("unknown tool %q", name))
	}
	return handler(d, ctx, raw)
}

// toolHandler matches the shape of a (*Dispatcher) method expression:
// (*Dispatcher).toolConnect has type func(*Dispatcher, context.Context,
// json.RawMessage) Result, so the table below can reference methods
// directly without individual wrapper closures.
type toolHandler func(d *Dispatcher, ctx context.Context, raw json.RawMessage) Result

var handlers = map[string]toolHandler{
	"connect":                      (*Dispatcher).toolConnect,
	"disconnect":                   (*Dispatcher).toolDisconnect,
	"getConnection":                (*Dispatcher).toolGetConnection,
	"deleteConnection":             (*Dispatcher).toolDeleteConnection,
	"listConnections":              (*Dispatcher).toolListConnections,
	"executeCommand":               (*Dispatcher).toolExecuteCommand,
	"backgroundExecute":            (*Dispatcher).toolBackgroundExecute,
	"stopBackground":               (*Dispatcher).toolStopBackground,
	"listActiveSessions":           (*Dispatcher).toolListActiveSessions,
	"listBackgroundTasks":          (*Dispatcher).toolListBackgroundTasks,
	"stopAllBackgroundTasks":       (*Dispatcher).toolStopAllBackgroundTasks,
	"uploadFile":                   (*Dispatcher).toolUploadFile,
	"downloadFile":                 (*Dispatcher).toolDownloadFile,
	"batchUploadFiles":             (*Dispatcher).toolBatchUploadFiles,
	"batchDownloadFiles":           (*Dispatcher).toolBatchDownloadFiles,
	"getFileTransferStatus":        (*Dispatcher).toolGetFileTransferStatus,
	"listFileTransfers":            (*Dispatcher).toolListFileTransfers,
	"createTunnel":                 (*Dispatcher).toolCreateTunnel,
	"closeTunnel":                  (*Dispatcher).toolCloseTunnel,
	"listTunnels":                  (*Dispatcher).toolListTunnels,
	"createTerminalSession":        (*Dispatcher).toolCreateTerminalSession,
	"writeToTerminal":              (*Dispatcher).toolWriteToTerminal,
	"executeCommandInDocker":       (*Dispatcher).toolExecuteCommandInDocker,
	"diagnoseContainerEnvironment": (*Dispatcher).toolDiagnoseContainerEnvironment,
	"exitContainer":                (*Dispatcher).toolExitContainer,
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// --- connection tools ---

func (d *Dispatcher) toolConnect(ctx context.Context, raw json.RawMessage) Result {
	var args connectArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	if args.Host == "" || args.Username == "" {
		return errText("host and username are required")
	}
	port := args.Port
	if port == 0 {
		port = 22
	}
	remember := true
	if args.RememberPassword != nil {
		remember = *args.RememberPassword
	}

	cfg := models.Config{
		Host:     args.Host,
		Port:     port,
		Username: args.Username,
		Auth: models.Auth{
			Password:   args.Password,
			PrivateKey: args.PrivateKey,
			Passphrase: args.Passphrase,
		},
		Reconnect: models.ReconnectPolicy{Enabled: true, MaxTries: 3, Delay: 5 * time.Second},
		Name:      args.Name,
		Tags:      args.Tags,
	}

	conn, err := d.registry.Connect(ctx, cfg, registry.ConnectOptions{Name: args.Name, RememberPassword: remember, Tags: args.Tags})
	if err != nil {
		return errorResult(err)
	}
	return Result{Text: connectionSummary(conn), ConnectionID: conn.ID}
}

func (d *Dispatcher) toolDisconnect(_ context.Context, raw json.RawMessage) Result {
	var args connectionIDArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	if d.registry.Disconnect(args.ConnectionID) {
		return ok(fmt.Sprintf("connection %q disconnected", args.ConnectionID))
	}
	return errText(fmt.Sprintf("connection %q not found", args.ConnectionID))
}

func (d *Dispatcher) toolGetConnection(_ context.Context, raw json.RawMessage) Result {
	var args connectionIDArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	conn, found := d.registry.Get(args.ConnectionID)
	if !found {
		return errText(fmt.Sprintf("connection %q not found", args.ConnectionID))
	}
	return Result{Text: connectionSummary(conn), ConnectionID: conn.ID}
}

func (d *Dispatcher) toolDeleteConnection(_ context.Context, raw json.RawMessage) Result {
	var args connectionIDArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	if d.registry.Delete(args.ConnectionID) {
		return ok(fmt.Sprintf("connection %q deleted", args.ConnectionID))
	}
	return errText(fmt.Sprintf("connection %q not found", args.ConnectionID))
}

func (d *Dispatcher) toolListConnections(_ context.Context, _ json.RawMessage) Result {
	conns := d.registry.List()
	if len(conns) == 0 {
		return ok("no connections")
	}
	text := ""
	for _, c := range conns {
		text += connectionSummary(c) + "\n"
	}
	return ok(text)
}

func connectionSummary(c *models.Connection) string {
	return fmt.Sprintf("%s %s@%s:%d [%s]", c.ID, c.Config.Username, c.Config.Host, c.Config.Port, c.State)
}

// --- execution tools ---

func (d *Dispatcher) toolExecuteCommand(ctx context.Context, raw json.RawMessage) Result {
	var args executeCommandArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	timeout := args.Timeout
	if timeout == 0 {
		timeout = defaultTimeoutMs
	}
	res, err := d.engine.ExecuteCommand(ctx, args.ConnectionID, args.Command, exec.ExecOptions{
		Cwd: args.Cwd, TimeoutMs: timeout, Force: args.Force,
	})
	if err != nil {
		return errorResult(err)
	}
	return ok(formatExecResult(res))
}

func formatExecResult(res *exec.ExecResult) string {
	text := res.Stdout
	if res.Stderr != "" {
		text += "\n[stderr]\n" + res.Stderr
	}
	if res.TimedOut {
		text += "\n[timed out]"
	}
	if res.ExitCode != 0 {
		text += fmt.Sprintf("\n[exit %d]", res.ExitCode)
	}
	return text
}

func (d *Dispatcher) toolBackgroundExecute(_ context.Context, raw json.RawMessage) Result {
	var args backgroundExecuteArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	interval := args.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	if err := d.background.Start(args.ConnectionID, args.Command, time.Duration(interval)*time.Millisecond, args.Cwd, nil); err != nil {
		return errorResult(err)
	}
	return Result{Text: "background task started", ConnectionID: args.ConnectionID}
}

func (d *Dispatcher) toolStopBackground(_ context.Context, raw json.RawMessage) Result {
	var args connectionIDArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	if err := d.background.Stop(args.ConnectionID); err != nil {
		return errorResult(err)
	}
	return ok("background task stopped")
}

func (d *Dispatcher) toolListActiveSessions(_ context.Context, _ json.RawMessage) Result {
	text := ""
	for _, s := range d.terminals.List() {
		text += fmt.Sprintf("%s conn=%s active=%v\n", s.ID, s.ConnectionID, s.IsActive)
	}
	if text == "" {
		text = "no active terminal sessions"
	}
	return ok(text)
}

func (d *Dispatcher) toolListBackgroundTasks(_ context.Context, _ json.RawMessage) Result {
	text := ""
	for _, task := range d.background.List() {
		text += fmt.Sprintf("%s: %q every %dms (runs=%d)\n", task.ConnectionID, task.Command, task.IntervalMs, task.RunCount)
	}
	if text == "" {
		text = "no background tasks"
	}
	return ok(text)
}

func (d *Dispatcher) toolStopAllBackgroundTasks(_ context.Context, _ json.RawMessage) Result {
	d.background.StopAll()
	return ok("all background tasks stopped")
}

// --- transfer tools ---

func (d *Dispatcher) toolUploadFile(_ context.Context, raw json.RawMessage) Result {
	var args uploadFileArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	t, err := d.transfers.Upload(args.ConnectionID, args.LocalPath, args.RemotePath)
	if err != nil {
		return Result{Text: err.Error(), IsError: true, TransferID: t.ID}
	}
	return Result{Text: fmt.Sprintf("uploaded %s to %s", args.LocalPath, args.RemotePath), TransferID: t.ID}
}

func (d *Dispatcher) toolDownloadFile(_ context.Context, raw json.RawMessage) Result {
	var args downloadFileArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	t, err := d.transfers.Download(args.ConnectionID, args.RemotePath, args.LocalPath)
	if err != nil {
		return Result{Text: err.Error(), IsError: true, TransferID: t.ID}
	}
	return Result{Text: fmt.Sprintf("downloaded %s to %s", args.RemotePath, args.LocalPath), TransferID: t.ID}
}

func (d *Dispatcher) toolBatchUploadFiles(_ context.Context, raw json.RawMessage) Result {
	return d.batchTransfer(raw, models.DirectionUpload)
}

func (d *Dispatcher) toolBatchDownloadFiles(_ context.Context, raw json.RawMessage) Result {
	return d.batchTransfer(raw, models.DirectionDownload)
}

func (d *Dispatcher) batchTransfer(raw json.RawMessage, direction models.Direction) Result {
	var args batchFilesArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	items := make([]transfer.BatchItem, 0, len(args.Files))
	for _, f := range args.Files {
		items = append(items, transfer.BatchItem{Local: f.LocalPath, Remote: f.RemotePath})
	}
	result := d.transfers.Batch(args.ConnectionID, items, direction)
	return Result{
		Text:        fmt.Sprintf("%d succeeded, %d failed", result.Success, result.Failure),
		TransferIDs: result.IDs,
	}
}

func (d *Dispatcher) toolGetFileTransferStatus(_ context.Context, raw json.RawMessage) Result {
	var args transferIDArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	t, found := d.transfers.Get(args.TransferID)
	if !found {
		return errText(fmt.Sprintf("transfer %q not found", args.TransferID))
	}
	return Result{Text: transferSummary(t), TransferID: t.ID}
}

func (d *Dispatcher) toolListFileTransfers(_ context.Context, _ json.RawMessage) Result {
	text := ""
	for _, t := range d.transfers.List() {
		text += transferSummary(t) + "\n"
	}
	if text == "" {
		text = "no transfers"
	}
	return ok(text)
}

func transferSummary(t *models.Transfer) string {
	return fmt.Sprintf("%s %s %d%% status=%s", t.ID, t.Direction, t.Progress(), t.Status)
}

// --- tunnel tools ---

func (d *Dispatcher) toolCreateTunnel(_ context.Context, raw json.RawMessage) Result {
	var args createTunnelArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	t, err := d.tunnels.CreateTunnel(tunnel.CreateOptions{
		ConnID: args.ConnectionID, LocalPort: args.LocalPort,
		RemoteHost: args.RemoteHost, RemotePort: args.RemotePort, Description: args.Description,
	})
	if err != nil {
		return errorResult(err)
	}
	return Result{Text: fmt.Sprintf("tunnel %s:%d -> %s:%d open", "127.0.0.1", t.LocalPort, t.RemoteHost, t.RemotePort), TunnelID: t.ID}
}

func (d *Dispatcher) toolCloseTunnel(_ context.Context, raw json.RawMessage) Result {
	var args tunnelIDArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	if d.tunnels.CloseTunnel(args.TunnelID) {
		return ok(fmt.Sprintf("tunnel %q closed", args.TunnelID))
	}
	return errText(fmt.Sprintf("tunnel %q not found", args.TunnelID))
}

func (d *Dispatcher) toolListTunnels(_ context.Context, _ json.RawMessage) Result {
	text := ""
	for _, t := range d.tunnels.List() {
		text += fmt.Sprintf("%s 127.0.0.1:%d -> %s:%d active=%v\n", t.ID, t.LocalPort, t.RemoteHost, t.RemotePort, t.Active)
	}
	if text == "" {
		text = "no tunnels"
	}
	return ok(text)
}

// --- terminal tools ---

func (d *Dispatcher) toolCreateTerminalSession(_ context.Context, raw json.RawMessage) Result {
	var args createTerminalSessionArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	sess, err := d.terminals.Create(args.ConnectionID, pty.CreateOptions{Rows: args.Rows, Cols: args.Cols, Term: args.Term})
	if err != nil {
		return errorResult(err)
	}
	return Result{Text: fmt.Sprintf("terminal session %s opened (%dx%d %s)", sess.ID, sess.Cols, sess.Rows, sess.Term), SessionID: sess.ID}
}

func (d *Dispatcher) toolWriteToTerminal(_ context.Context, raw json.RawMessage) Result {
	var args writeToTerminalArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	if err := d.terminals.Write(args.SessionID, []byte(args.Data)); err != nil {
		return errorResult(err)
	}
	return Result{Text: "ok", SessionID: args.SessionID}
}

// --- docker tools ---

func (d *Dispatcher) toolExecuteCommandInDocker(ctx context.Context, raw json.RawMessage) Result {
	var args executeCommandInDockerArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	sess := d.containers.SetContext(args.ConnectionID, args.ContainerName, containerctx.SetContextOptions{
		Workdir: args.Workdir, User: args.User,
	})
	cmd := containerctx.BuildExec(args.ContainerName, args.Command, sess, args.Interactive)
	timeout := args.Timeout
	if timeout == 0 {
		timeout = defaultTimeoutMs
	}
	res, err := d.engine.ExecuteCommand(ctx, args.ConnectionID, cmd, exec.ExecOptions{TimeoutMs: timeout})
	if err != nil {
		return errorResult(err)
	}
	return ok(formatExecResult(res))
}

func (d *Dispatcher) toolDiagnoseContainerEnvironment(ctx context.Context, raw json.RawMessage) Result {
	var args diagnoseContainerEnvironmentArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	sess := d.containers.SetContext(args.ConnectionID, args.ContainerName, containerctx.SetContextOptions{})

	diag := "cat /etc/os-release 2>/dev/null; which apt dnf yum apk 2>/dev/null"
	if args.PackageName != "" {
		diag += fmt.Sprintf("; (dpkg -s %s 2>/dev/null || rpm -q %s 2>/dev/null || apk info -e %s 2>/dev/null || echo 'package not found')",
			shellSafe(args.PackageName), shellSafe(args.PackageName), shellSafe(args.PackageName))
	}
	cmd := containerctx.BuildExec(args.ContainerName, diag, sess, false)
	res, err := d.engine.ExecuteCommand(ctx, args.ConnectionID, cmd, exec.ExecOptions{TimeoutMs: defaultTimeoutMs})
	if err != nil {
		return errorResult(err)
	}
	return ok(formatExecResult(res))
}

func (d *Dispatcher) toolExitContainer(_ context.Context, raw json.RawMessage) Result {
	var args connectionIDArgs
	if err := decode(raw, &args); err != nil {
		return errText("invalid arguments: " + err.Error())
	}
	d.containers.ExitContainer(args.ConnectionID)
	return Result{Text: "exited container context", ConnectionID: args.ConnectionID}
}

// shellSafe rejects characters that would let packageName escape the
// composed diagnostic command; diagnoseContainerEnvironment only ever
// needs a bare package name token.
func shellSafe(s string) string {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '+':
		default:
			return ""
		}
	}
	return s
}

func errorResult(err error) Result {
	kind := apperror.Of(err)
	return Result{Text: fmt.Sprintf("[%s] %s", kind, err.Error()), IsError: true}
}
