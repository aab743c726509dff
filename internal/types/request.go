package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// OperationRequest is the body accepted by every operation endpoint.
// Fields that an operation does not use are ignored.
type OperationRequest struct {
	ProviderID  ProviderRef `json:"provider_id"`
	Username    string      `json:"username,omitempty"`
	Password    string      `json:"password,omitempty"`
	NewUsername string      `json:"new_username,omitempty"`
	NewPassword string      `json:"new_password,omitempty"`
	Amount      float64     `json:"amount,omitempty"`
}

// ProviderRef is a provider id that clients send either as a JSON number
// or as a string.
type ProviderRef string

func (p *ProviderRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProviderRef(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("provider_id must be a string or integer: %w", err)
	}
	*p = ProviderRef(strconv.FormatInt(n, 10))
	return nil
}
