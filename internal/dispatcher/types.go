// Package dispatcher implements the Tool Dispatcher (spec.md §4.J, §6):
// it maps named tool calls with a JSON argument object onto the core
// operations of the Connection Registry, Command Execution Engine, SFTP
// Transfer Manager, Tunnel Forwarder and PTY Session Manager, and reports
// every failure as a normal result carrying isError=true rather than a
// transport-level fault.
package dispatcher

// Result is what every tool call returns: a textual summary plus whatever
// structured fields apply to that tool (spec.md §4.J).
type Result struct {
	Text         string   `json:"text"`
	IsError      bool     `json:"isError,omitempty"`
	ConnectionID string   `json:"connectionId,omitempty"`
	TransferID   string   `json:"transferId,omitempty"`
	TransferIDs  []string `json:"transferIds,omitempty"`
	TunnelID     string   `json:"tunnelId,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
}

func ok(text string) Result { return Result{Text: text} }

func errText(text string) Result { return Result{Text: text, IsError: true} }

// connectArgs is the argument object for the "connect" tool.
type connectArgs struct {
	Host             string   `json:"host"`
	Username         string   `json:"username"`
	Port             int      `json:"port"`
	Password         string   `json:"password"`
	PrivateKey       string   `json:"privateKey"`
	Passphrase       string   `json:"passphrase"`
	Name             string   `json:"name"`
	RememberPassword *bool    `json:"rememberPassword"`
	Tags             []string `json:"tags"`
}

type connectionIDArgs struct {
	ConnectionID string `json:"connectionId"`
}

type executeCommandArgs struct {
	ConnectionID string `json:"connectionId"`
	Command      string `json:"command"`
	Cwd          string `json:"cwd"`
	Timeout      int    `json:"timeout"`
	Force        bool   `json:"force"`
}

type backgroundExecuteArgs struct {
	ConnectionID string `json:"connectionId"`
	Command      string `json:"command"`
	Interval     int    `json:"interval"`
	Cwd          string `json:"cwd"`
}

type uploadFileArgs struct {
	ConnectionID string `json:"connectionId"`
	LocalPath    string `json:"localPath"`
	RemotePath   string `json:"remotePath"`
}

type downloadFileArgs struct {
	ConnectionID string `json:"connectionId"`
	RemotePath   string `json:"remotePath"`
	LocalPath    string `json:"localPath"`
}

type batchFileItem struct {
	LocalPath  string `json:"localPath"`
	RemotePath string `json:"remotePath"`
}

type batchFilesArgs struct {
	ConnectionID string          `json:"connectionId"`
	Files        []batchFileItem `json:"files"`
}

type transferIDArgs struct {
	TransferID string `json:"transferId"`
}

type createTunnelArgs struct {
	ConnectionID string `json:"connectionId"`
	LocalPort    int    `json:"localPort"`
	RemoteHost   string `json:"remoteHost"`
	RemotePort   int    `json:"remotePort"`
	Description  string `json:"description"`
}

type tunnelIDArgs struct {
	TunnelID string `json:"tunnelId"`
}

type createTerminalSessionArgs struct {
	ConnectionID string `json:"connectionId"`
	Rows         int    `json:"rows"`
	Cols         int    `json:"cols"`
	Term         string `json:"term"`
}

type writeToTerminalArgs struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type executeCommandInDockerArgs struct {
	ConnectionID  string `json:"connectionId"`
	ContainerName string `json:"containerName"`
	Command       string `json:"command"`
	Workdir       string `json:"workdir"`
	User          string `json:"user"`
	Interactive   bool   `json:"interactive"`
	Timeout       int    `json:"timeout"`
}

type diagnoseContainerEnvironmentArgs struct {
	ConnectionID  string `json:"connectionId"`
	ContainerName string `json:"containerName"`
	PackageName   string `json:"packageName"`
}
