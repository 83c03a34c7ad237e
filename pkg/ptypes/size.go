package ptypes

import (
	"encoding/json"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Size unmarshals human-readable binary sizes like "100 KB" into a byte
// count.
type Size uint64

var (
	_ json.Marshaler   = Size(0)
	_ json.Unmarshaler = (*Size)(nil)
)

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(humanize.Bytes(uint64(s)))
}

func (s *Size) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("size must be a string")
	}
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}
