package cfgutil

import "time"

// DurationFlag embeds a time.Duration and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
type DurationFlag struct {
	time.Duration
}

// NewDurationFlag creates a DurationFlag with a default time.Duration.
func NewDurationFlag(defaultValue time.Duration) *DurationFlag {
	return &DurationFlag{defaultValue}
}

// MarshalFlag satisifes the flags.Marshaler interface.
func (d *DurationFlag) MarshalFlag() (string, error) {
	return d.Duration.String(), nil
}

// UnmarshalFlag satisifes the flags.Unmarshaler interface.
func (d *DurationFlag) UnmarshalFlag(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}
