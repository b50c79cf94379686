package playback

import (
	"math"
	"testing"
)

func TestPatchValidate(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name    string
		patch   Patch
		wantErr bool
	}{
		{name: "empty", patch: Patch{}},
		{name: "zero", patch: Patch{Position: f(0)}},
		{name: "positive", patch: Patch{Position: f(93.25)}},
		{name: "negative", patch: Patch{Position: f(-0.5)}, wantErr: true},
		{name: "nan", patch: Patch{Position: f(math.NaN())}, wantErr: true},
		{name: "inf", patch: Patch{Position: f(math.Inf(-1))}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.patch.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPatchApply(t *testing.T) {
	base := State{RoomID: "r", VideoRef: "old", IsPlaying: true, Position: 12}
	playing := false
	got := Patch{IsPlaying: &playing}.Apply(base)
	if got.VideoRef != "old" || got.IsPlaying || got.Position != 12 || got.RoomID != "r" {
		t.Fatalf("partial apply changed unrelated fields: %+v", got)
	}

	full := FullPatch(State{VideoRef: "new", Position: 0})
	if full.Empty() {
		t.Fatal("full patch reported empty")
	}
	got = full.Apply(base)
	if got.VideoRef != "new" || got.IsPlaying || got.Position != 0 {
		t.Fatalf("full patch did not overwrite every field: %+v", got)
	}
	if !(Patch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
}

func TestClampPosition(t *testing.T) {
	tests := []struct {
		pos, duration, want float64
	}{
		{pos: 10, duration: 60, want: 10},
		{pos: 75, duration: 60, want: 60},
		{pos: -3, duration: 60, want: 0},
		{pos: 500, duration: 0, want: 500},
		{pos: math.NaN(), duration: 60, want: 0},
	}
	for _, tc := range tests {
		if got := ClampPosition(tc.pos, tc.duration); got != tc.want {
			t.Errorf("ClampPosition(%v, %v) = %v, want %v", tc.pos, tc.duration, got, tc.want)
		}
	}
}
