package config

// Mode is the resolved operating mode of the payment middleware:
// either Disabled (pass-through) or Armed (challenge/verify/settle).
type Mode interface {
	isMode()
}

// Disabled makes the middleware a no-op pass-through
type Disabled struct {
	Reason string
}

// Armed carries a validated configuration
type Armed struct {
	Config Config
}

func (Disabled) isMode() {}
func (Armed) isMode()    {}

// Mode resolves the configuration into Disabled or Armed. Configuration
// errors disarm the middleware rather than failing the process.
func (c Config) Mode() Mode {
	if !c.Enabled {
		return Disabled{Reason: "x402 payments disabled"}
	}
	if err := c.Validate(); err != nil {
		return Disabled{Reason: err.Error()}
	}
	return Armed{Config: c}
}
