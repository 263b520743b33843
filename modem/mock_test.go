package modem_test

import (
	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/cellular/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.Reply("AT", "AT\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.Reply("ATE0", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) ATFails() *MockSequenceBuilder {
	return b.Reply("AT", "ERROR\r\n")
}

// Reply expects cmd to be written and answers it with resp on the next read.
func (b *MockSequenceBuilder) Reply(cmd, resp string) *MockSequenceBuilder {
	wire := []byte(cmd + "\r")
	b.calls = append(b.calls,
		b.transport.EXPECT().Write(wire).Return(len(wire), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls returns the expectations of a successful handshake.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).
		AT().
		EchoOff().
		Build()
}
