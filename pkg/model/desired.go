package model

import (
	"encoding/json"
	"fmt"
)

// DesiredPlatformConfig is caller input for one platform; it is never persisted as-is.
type DesiredPlatformConfig struct {
	Attrs Attributes
}

func Desired(attrs Attributes) DesiredPlatformConfig {
	return DesiredPlatformConfig{Attrs: attrs}
}

func (c DesiredPlatformConfig) Platform() Platform {
	if c.Attrs == nil {
		return ""
	}
	return c.Attrs.Platform()
}

func (c *DesiredPlatformConfig) UnmarshalJSON(data []byte) error {
	attrs, err := DecodeAttributes(data)
	if err != nil {
		return err
	}
	c.Attrs = attrs
	return nil
}

func (c DesiredPlatformConfig) MarshalJSON() ([]byte, error) {
	if c.Attrs == nil {
		return nil, fmt.Errorf("%w: empty config", ErrInvalidAttributes)
	}
	return json.Marshal(c.Attrs)
}
