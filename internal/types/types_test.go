package types

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestRunErrorMatchesKindAndCause(t *testing.T) {
	err := Wrap(ErrPersistence, "store.insert", io.ErrUnexpectedEOF)

	if !errors.Is(err, ErrPersistence) {
		t.Error("errors.Is(err, ErrPersistence) = false")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is(err, cause) = false")
	}
	if errors.Is(err, ErrProcessing) {
		t.Error("errors.Is(err, ErrProcessing) = true, want false")
	}

	msg := err.Error()
	for _, part := range []string{"store.insert", "persistence error", "unexpected EOF"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(ErrProcessing, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindOf(t *testing.T) {
	inner := Wrap(ErrPersistence, "flush", errors.New("disk full"))
	outer := Wrap(ErrProcessing, "detect", errors.Join(errors.New("worker died"), inner))

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), ErrProcessing},
		{"sentinel", fmt.Errorf("wrapped: %w", ErrValidation), ErrValidation},
		{"run error", inner, ErrPersistence},
		{"outermost wins", outer, ErrProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLandmarkSetRecords(t *testing.T) {
	set := &LandmarkSet{Landmarks: []Landmark{
		{X: 0.1, Y: 0.2, Visibility: 0.9},
		{X: 0.3, Y: 0.4, Visibility: 0.8},
	}}
	name := "armbar"

	recs := set.Records(42, &name)
	if len(recs) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(recs))
	}
	for i, r := range recs {
		if r.Frame != 42 || r.LandmarkID != i {
			t.Errorf("record %d = %+v", i, r)
		}
		if r.PositionName == nil || *r.PositionName != name {
			t.Errorf("record %d position = %v", i, r.PositionName)
		}
	}

	if recs := (*LandmarkSet)(nil).Records(1, nil); recs != nil {
		t.Errorf("nil set Records() = %v, want nil", recs)
	}

	empty := ""
	for i, r := range set.Records(7, &empty) {
		if r.PositionName != nil {
			t.Errorf("record %d position = %q, want NULL", i, *r.PositionName)
		}
	}
}

func TestEnsure(t *testing.T) {
	tagged := Wrap(ErrSourceUnavailable, "video.open_source", errors.New("missing"))
	if got := Ensure(ErrSourceUnavailable, "pipeline.open_source", tagged); got != tagged {
		t.Errorf("Ensure() rewrapped an error that already had the kind: %v", got)
	}

	plain := errors.New("exec: python3 not found")
	got := Ensure(ErrProcessing, "pipeline.open_detector", plain)
	if !errors.Is(got, ErrProcessing) || !errors.Is(got, plain) {
		t.Errorf("Ensure() = %v, want ErrProcessing wrapping the cause", got)
	}

	if Ensure(ErrProcessing, "op", nil) != nil {
		t.Error("Ensure(nil) != nil")
	}
}
