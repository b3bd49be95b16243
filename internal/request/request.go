package request

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Defaults applied to absent request fields.
const (
	DefaultDimensions  = 100
	DefaultLowerBound  = -10.0
	DefaultUpperBound  = 10.0
	DefaultGridFactorP = 2
	DefaultGridFactorQ = 12
	DefaultEvals       = 1e5
	DefaultObjective   = "Simple"
	DefaultIsFunc      = true
	DefaultIsVect      = true
	DefaultWithCache   = false
	DefaultWithLog     = true
	DefaultWithOpt     = false
	DefaultForceRecalc = false
)

// OptimizationRequest is the decoded body of POST /optimize. Every field is
// optional; nil means "use the default".
type OptimizationRequest struct {
	Dimensions      *int     `json:"dimensions,omitempty"`
	LowerBound      *float64 `json:"lowerBound,omitempty"`
	UpperBound      *float64 `json:"upperBound,omitempty"`
	GridSizeFactorP *int     `json:"gridSizeFactorP,omitempty"`
	GridSizeFactorQ *int     `json:"gridSizeFactorQ,omitempty"`
	Evals           *float64 `json:"evals,omitempty"`
	FuncName        *string  `json:"funcName,omitempty"`
	IsFunc          *bool    `json:"isFunc,omitempty"`
	IsVect          *bool    `json:"isVect,omitempty"`
	WithCache       *bool    `json:"withCache,omitempty"`
	WithLog         *bool    `json:"withLog,omitempty"`
	WithOpt         *bool    `json:"withOpt,omitempty"`
	ForceRecal      *bool    `json:"forceRecal,omitempty"`
}

// Decode reads a request body. An empty body decodes to a request with every
// field defaulted.
func Decode(r io.Reader) (OptimizationRequest, error) {
	var req OptimizationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return OptimizationRequest{}, nil
		}
		return OptimizationRequest{}, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}

// Key is the canonical identity of a request: every field except
// ForceRecal, with defaults substituted. Keys are comparable and can be used
// directly as map keys.
type Key struct {
	Dimensions      int     `json:"dimensions"`
	LowerBound      float64 `json:"lowerBound"`
	UpperBound      float64 `json:"upperBound"`
	GridSizeFactorP int     `json:"gridSizeFactorP"`
	GridSizeFactorQ int     `json:"gridSizeFactorQ"`
	Evals           float64 `json:"evals"`
	FuncName        string  `json:"funcName"`
	IsFunc          bool    `json:"isFunc"`
	IsVect          bool    `json:"isVect"`
	WithCache       bool    `json:"withCache"`
	WithLog         bool    `json:"withLog"`
	WithOpt         bool    `json:"withOpt"`
}

// Normalize builds the canonical key for req. It performs no validation
// beyond default substitution.
func Normalize(req OptimizationRequest) Key {
	return Key{
		Dimensions:      orInt(req.Dimensions, DefaultDimensions),
		LowerBound:      orFloat(req.LowerBound, DefaultLowerBound),
		UpperBound:      orFloat(req.UpperBound, DefaultUpperBound),
		GridSizeFactorP: orInt(req.GridSizeFactorP, DefaultGridFactorP),
		GridSizeFactorQ: orInt(req.GridSizeFactorQ, DefaultGridFactorQ),
		Evals:           orFloat(req.Evals, DefaultEvals),
		FuncName:        orString(req.FuncName, DefaultObjective),
		IsFunc:          orBool(req.IsFunc, DefaultIsFunc),
		IsVect:          orBool(req.IsVect, DefaultIsVect),
		WithCache:       orBool(req.WithCache, DefaultWithCache),
		WithLog:         orBool(req.WithLog, DefaultWithLog),
		WithOpt:         orBool(req.WithOpt, DefaultWithOpt),
	}
}

// ForceRecalculate reports whether the cache lookup should be bypassed.
func (r OptimizationRequest) ForceRecalculate() bool {
	return orBool(r.ForceRecal, DefaultForceRecalc)
}

// Hash returns a stable hex digest of the key, used wherever a key has to
// become a string (file names, database rows).
func (k Key) Hash() string {
	h := sha256.New()
	// Field order is fixed; floats use the shortest exact representation so
	// equal keys always hash equally.
	fields := []string{
		strconv.Itoa(k.Dimensions),
		strconv.FormatFloat(k.LowerBound, 'g', -1, 64),
		strconv.FormatFloat(k.UpperBound, 'g', -1, 64),
		strconv.Itoa(k.GridSizeFactorP),
		strconv.Itoa(k.GridSizeFactorQ),
		strconv.FormatFloat(k.Evals, 'g', -1, 64),
		k.FuncName,
		strconv.FormatBool(k.IsFunc),
		strconv.FormatBool(k.IsVect),
		strconv.FormatBool(k.WithCache),
		strconv.FormatBool(k.WithLog),
		strconv.FormatBool(k.WithOpt),
	}
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// String renders the key for log lines.
func (k Key) String() string {
	data, _ := json.Marshal(k)
	return string(data)
}

func orInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func orFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	// -0 == 0 as a key field, so it must hash the same
	if *v == 0 {
		return 0
	}
	return *v
}

func orString(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func orBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
