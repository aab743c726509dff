package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Vendors disagree on whether numbers are JSON numbers or strings, and some
// format balances with thousands separators. These types accept all of it.

type number struct {
	Value float64
	Set   bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	v, err := parseNumber(s)
	if err != nil {
		return err
	}
	n.Value, n.Set = v, true
	return nil
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite number %q", s)
	}
	return v, nil
}

type ident string

func (i *ident) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*i = ident(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*i = ident(n.String())
	return nil
}

type code int

func (c *code) UnmarshalJSON(data []byte) error {
	var id ident
	if err := id.UnmarshalJSON(data); err != nil {
		return err
	}
	if id == "" {
		*c = 0
		return nil
	}
	v, err := strconv.Atoi(string(id))
	if err != nil {
		return err
	}
	*c = code(v)
	return nil
}
