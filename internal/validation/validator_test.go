package validation

import (
	"errors"
	"testing"
)

type sample struct {
	UUID     string `json:"uuid" validate:"required_without=DeviceID,max=128"`
	DeviceID string `json:"deviceId,omitempty" validate:"required_without=UUID,max=128"`
	From     string `json:"from" validate:"required"`
	Kind     string `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		in      sample
		wantErr string
	}{
		{name: "uuid given", in: sample{UUID: "x", From: "+1"}},
		{name: "deviceId given", in: sample{DeviceID: "x", From: "+1"}},
		{name: "no id", in: sample{From: "+1"}, wantErr: "uuid is required"},
		{name: "no from", in: sample{UUID: "x"}, wantErr: "from is required"},
		{name: "bad kind", in: sample{UUID: "x", From: "1", Kind: "c"}, wantErr: "kind must be one of [a b]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&tt.in)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}

			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v (%T), want *Error", err, err)
			}
			if err.Error() != tt.wantErr {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsNonStruct(t *testing.T) {
	if err := NewValidator().Validate("text"); err == nil {
		t.Error("expected error for non-struct")
	}
}
