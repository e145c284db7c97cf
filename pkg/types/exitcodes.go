package types

// Exit codes reported for tasks that did not produce their own status,
// and used as process exit codes by the agent itself.
const (
	EndJobExitCode            = 170
	EndTaskExitCode           = 171
	BuildScriptErrorExitCode  = 172
	GetHostNameErrorExitCode  = 173
	PopenErrorExitCode        = 174
	SetUserPermissionExitCode = 175
	TestRunFailedExitCode     = 176
	FailedToOpenPortExitCode  = 177
	ConfigurationFileExitCode = 178
	WriteFileErrorExitCode    = 179
	ReadFileErrorExitCode     = 180
	UnknownFilterExitCode     = 181
	CannotFindHomeDirExitCode = 182

	DefaultExitCode = 254
)
