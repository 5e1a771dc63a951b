// Package usermgr implements the root-owned privileged-action boundary:
// a closed set of OS-account and filesystem mutations, gated by the
// validators in internal/validate, reachable only over a Unix socket
// whose peer is the control-plane service account.
package usermgr

// CreateGroupArgs is the payload for the create-group op.
type CreateGroupArgs struct {
	Group string `json:"group"`
}

// CreateUserArgs is the payload for the create-user op.
type CreateUserArgs struct {
	Username   string `json:"username"`
	UID        int    `json:"uid"`
	Group      string `json:"group"`
	Shell      string `json:"shell"`
	Gecos      string `json:"gecos"`
	CreateHome bool   `json:"create_home"`
}

// DeleteUserArgs is the payload for the delete-user op.
type DeleteUserArgs struct {
	Username string `json:"username"`
}

// MkdirArgs is the payload for the mkdir op.
type MkdirArgs struct {
	Path string `json:"path"`
}

// ChownArgs is the payload for the chown op.
type ChownArgs struct {
	Owner     string `json:"owner"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// ChmodArgs is the payload for the chmod op.
type ChmodArgs struct {
	Mode string `json:"mode"`
	Path string `json:"path"`
}

// EnableLingerArgs is the payload for the enable-linger op.
type EnableLingerArgs struct {
	Username string `json:"username"`
}

// StartUserServiceArgs is the payload for the start-user-service op.
type StartUserServiceArgs struct {
	UID int `json:"uid"`
}

// SetupUserRunnerArgs is the payload for the setup-user-runner op.
type SetupUserRunnerArgs struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
}

// CreateWorkspaceArgs is the payload for the create-workspace op.
type CreateWorkspaceArgs struct {
	Username    string            `json:"username"`
	Path        string            `json:"path"`
	TemplateSrc string            `json:"template_src,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
}

// SetupUserShellArgs is the payload for the setup-user-shell op.
type SetupUserShellArgs struct {
	Username string `json:"username"`
}

// InstallPiExtensionsArgs is the payload for the install-pi-extensions op.
type InstallPiExtensionsArgs struct {
	Username string `json:"username"`
}

// WriteFileArgs is the payload for the write-file op.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

// RestartServiceArgs is the payload for the restart-service op.
type RestartServiceArgs struct {
	Username string `json:"username"`
	Service  string `json:"service"`
}

// RunAsUserArgs is the payload for the run-as-user op.
type RunAsUserArgs struct {
	Username string   `json:"username"`
	Argv     []string `json:"argv"`
}

// RunAsUserResult is the data returned by the run-as-user op: the
// command's stdout, so callers can probe a user-owned service's status
// without being that user.
type RunAsUserResult struct {
	Stdout string `json:"stdout"`
}

// FixSocketDirArgs is the payload for the fix-socket-dir op.
type FixSocketDirArgs struct {
	Username string `json:"username"`
}

// OKResult is the trivial {ok:true} result most ops return via the
// {ok,error,data} envelope with no data payload; present here only for
// ops that echo something back.
type OKResult struct {
	Path string `json:"path,omitempty"`
}
