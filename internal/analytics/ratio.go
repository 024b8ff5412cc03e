package analytics

import (
	"encoding/json"
	"math"
	"strconv"
)

// Ratio is a float that may be +Inf. It encodes as the JSON string
// "Infinity" in that case.
type Ratio float64

// IsInf reports whether r is the infinite ratio.
func (r Ratio) IsInf() bool { return math.IsInf(float64(r), 1) }

func (r Ratio) MarshalJSON() ([]byte, error) {
	if r.IsInf() {
		return []byte(`"Infinity"`), nil
	}
	return strconv.AppendFloat(nil, float64(r), 'f', -1, 64), nil
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	if string(b) == `"Infinity"` {
		*r = Ratio(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}
