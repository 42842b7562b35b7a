package backendmock

import (
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
)

func TestMockTransportRecordsSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockTransport(ctrl)

	m.EXPECT().Send([]byte{1, 2, 3}).Return(nil)
	if err := m.Send([]byte{1, 2, 3}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestMockTransportReturnsConfiguredError(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := NewMockTransport(ctrl)

	want := errors.New("send failed")
	m.EXPECT().Send(gomock.Any()).Return(want)
	if err := m.Send([]byte{9}); err != want {
		t.Errorf("expected configured error, got %v", err)
	}
}
