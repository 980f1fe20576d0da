package limits

import (
	"errors"
	"testing"
)

func TestFragmentPayloadFitsDatagram(t *testing.T) {
	const videoHeader = 4 + 2 + 1 + 4 + 8 + 2 + 2 + 2
	if MaxFragmentPayload+videoHeader != MaxDatagram {
		t.Errorf("MaxFragmentPayload + header = %d, want %d", MaxFragmentPayload+videoHeader, MaxDatagram)
	}
}

func TestValidateVideoFrame(t *testing.T) {
	if err := ValidateVideoFrame(make([]byte, MaxVideoFrame)); err != nil {
		t.Errorf("frame at limit rejected: %v", err)
	}
	if err := ValidateVideoFrame(make([]byte, MaxVideoFrame+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized frame: got %v, want ErrMessageTooLarge", err)
	}
	if err := ValidateVideoFrame(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty frame: got %v, want ErrMessageEmpty", err)
	}
}

func TestValidateBodyLength(t *testing.T) {
	if err := ValidateBodyLength(0, MaxCORBody); err != nil {
		t.Errorf("zero length rejected: %v", err)
	}
	if err := ValidateBodyLength(MaxCORBody, MaxCORBody); err != nil {
		t.Errorf("length at limit rejected: %v", err)
	}
	if err := ValidateBodyLength(MaxCORBody+1, MaxCORBody); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized length: got %v, want ErrMessageTooLarge", err)
	}
}

func TestValidateAuthToken(t *testing.T) {
	if err := ValidateAuthToken([]byte("abc")); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := ValidateAuthToken(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty token: got %v", err)
	}
	if err := ValidateAuthToken(make([]byte, MaxAuthToken+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized token: got %v", err)
	}
}
