package auth

import (
	"reflect"
	"testing"
)

func TestAllowList(t *testing.T) {
	l := NewAllowList([]int64{42, 7, 42})

	if !l.Allowed(42) || !l.Allowed(7) {
		t.Error("listed ids not allowed")
	}
	if l.Allowed(8) || l.Allowed(0) {
		t.Error("unlisted id allowed")
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
	if got := l.IDs(); !reflect.DeepEqual(got, []int64{7, 42}) {
		t.Errorf("IDs = %v", got)
	}
}

func TestEmptyAndNilAllowNobody(t *testing.T) {
	var nilList *AllowList
	for _, l := range []*AllowList{NewAllowList(nil), nilList} {
		if l.Allowed(1) || l.Len() != 0 {
			t.Errorf("%v allows someone", l)
		}
	}
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		in      string
		want    []int64
		wantErr bool
	}{
		{in: "123456789", want: []int64{123456789}},
		{in: "1, 2,3", want: []int64{1, 2, 3}},
		{in: "-100123 42", want: []int64{-100123, 42}},
		{in: "", want: []int64{}},
		{in: "1,abc", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseIDs(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseIDs(%q) succeeded", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIDs(%q): %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseIDs(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
