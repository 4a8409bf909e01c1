package mailer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

func TestIsPermanentSESError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"message rejected", &types.MessageRejected{}, true},
		{"unverified mail-from domain", &types.MailFromDomainNotVerifiedException{}, true},
		{"account suspended", &types.AccountSuspendedException{}, true},
		{"wrapped rejection", fmt.Errorf("send: %w", &types.MessageRejected{}), true},
		{"throttling-ish error", errors.New("rate exceeded"), false},
		{"limit exceeded", &types.LimitExceededException{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPermanentSESError(tt.err); got != tt.want {
				t.Errorf("isPermanentSESError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestResultConstructors(t *testing.T) {
	if r := Delivered("msg-1"); !r.Delivered || r.MessageID != "msg-1" || r.Permanent {
		t.Errorf("Delivered() = %+v", r)
	}
	if r := PermanentFailure("bad address"); r.Delivered || !r.Permanent || r.Reason != "bad address" {
		t.Errorf("PermanentFailure() = %+v", r)
	}
	if r := Transient("timeout"); r.Delivered || r.Permanent || r.Reason != "timeout" {
		t.Errorf("Transient() = %+v", r)
	}
}
