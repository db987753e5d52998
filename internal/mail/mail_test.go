package mail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSMTPMailerValidates(t *testing.T) {
	_, err := NewSMTPMailer(Config{From: "a@example.com"})
	assert.Error(t, err)
	_, err = NewSMTPMailer(Config{Host: "localhost"})
	assert.Error(t, err)

	m, err := NewSMTPMailer(Config{Host: "localhost", From: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 587, m.cfg.Port)
}

func TestSendRejectsMissingRecipients(t *testing.T) {
	m, err := NewSMTPMailer(Config{Host: "localhost", From: "a@example.com"})
	require.NoError(t, err)
	assert.Error(t, m.Send(context.Background(), Message{Subject: "x"}))
}

func TestSendFailsFastOnUnreachableServer(t *testing.T) {
	// nothing listens on port 1
	m, err := NewSMTPMailer(Config{Host: "127.0.0.1", Port: 1, From: "a@example.com", Timeout: time.Second})
	require.NoError(t, err)
	err = m.Send(context.Background(), Message{To: []string{"b@example.com"}, Subject: "s", Body: "b"})
	assert.Error(t, err)
}

func TestLogMailer(t *testing.T) {
	assert.NoError(t, LogMailer{}.Send(context.Background(), Message{To: []string{"x@example.com"}}))
}
