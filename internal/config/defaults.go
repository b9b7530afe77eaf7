package config

const (
	defaultProgramPath      = "pinentry-box"
	defaultProgramArgs      = "--start-server"
	defaultSocketPath       = "~/.pinentry-box.sock"
	defaultConfigPath       = "~/.config/pinentry-box/config.toml"
	defaultProjectConfig    = "pinentry-box.toml"
	defaultLaunchProbes     = 20
	defaultStaleRetries     = 2
	defaultLockTimeoutMS    = 2000
	defaultPollAttempts     = 25
	defaultPollBackoffMS    = 100
	defaultPollMaxBackoffMS = 1000
	defaultDialTimeoutMS    = 2000
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Pinentry: Pinentry{
			ProgramPath: defaultProgramPath,
			ProgramArgs: defaultProgramArgs,
			SocketPath:  defaultSocketPath,
		},
		Supervisor: Supervisor{
			LaunchProbes:     defaultLaunchProbes,
			StaleRetries:     defaultStaleRetries,
			LockTimeoutMS:    defaultLockTimeoutMS,
			PollAttempts:     defaultPollAttempts,
			PollBackoffMS:    defaultPollBackoffMS,
			PollMaxBackoffMS: defaultPollMaxBackoffMS,
		},
		Client: Client{
			DialTimeoutMS: defaultDialTimeoutMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
