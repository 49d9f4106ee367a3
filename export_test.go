package webpush

import "testing"

// Helpers for the external integration tests.

type TestSubscriber = testSubscriber

func NewTestSubscriber(t *testing.T) *TestSubscriber { return newTestSubscriber(t) }

func (s *testSubscriber) Keys() Keys { return s.keys() }

func (s *testSubscriber) Decrypt(t *testing.T, body []byte) []byte { return s.decrypt(t, body) }
