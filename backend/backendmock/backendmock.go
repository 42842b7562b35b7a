// Package backendmock provides a gomock-based mock of backend.Transport
// for tests that exercise ServerBackendClient without a real socket.
// Hand-authored in the shape mockgen would generate (the corpus's
// ambient test-tooling stack includes golang/mock; no backend-facing
// example repo gave a Transport-shaped interface to run mockgen
// against, so this mirrors mockgen's generated structure by hand).
package backendmock

import (
	reflect "reflect"

	gomock "github.com/golang/mock/gomock"
)

// MockTransport is a mock of backend.Transport.
type MockTransport struct {
	ctrl     *gomock.Controller
	recorder *MockTransportMockRecorder
}

// MockTransportMockRecorder is the recorder for MockTransport.
type MockTransportMockRecorder struct {
	mock *MockTransport
}

// NewMockTransport creates a new mock instance.
func NewMockTransport(ctrl *gomock.Controller) *MockTransport {
	m := &MockTransport{ctrl: ctrl}
	m.recorder = &MockTransportMockRecorder{m}
	return m
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTransport) EXPECT() *MockTransportMockRecorder {
	return m.recorder
}

// Send mocks base method.
func (m *MockTransport) Send(data []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Send", data)
	ret0, _ := ret[0].(error)
	return ret0
}

// Send indicates an expected call of Send.
func (mr *MockTransportMockRecorder) Send(data interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Send", reflect.TypeOf((*MockTransport)(nil).Send), data)
}
