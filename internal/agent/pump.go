package agent

import (
	"errors"
	"io"
)

// Pump drains r through a StreamExtractor, decodes each object via parse,
// and publishes the resulting Messages to msgCh until r is exhausted. Every
// raw object is also written to rawLogW verbatim (best-effort; a logging
// failure never aborts the pump). The first SystemInit event's ThreadID is
// recorded on sess via setThreadID — subsequent events never overwrite it,
// since only the agent CLI is authoritative for thread identity.
func Pump(sess *Session, r io.Reader, parse func([]byte) ([]Message, error), msgCh chan<- Message, rawLogW io.Writer) error {
	ex := NewStreamExtractor(r)
	sess.setState(HandleReady)
	for {
		obj, err := ex.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if rawLogW != nil {
			_, _ = rawLogW.Write(obj)
			_, _ = rawLogW.Write([]byte("\n"))
		}
		msgs, err := parse(obj)
		if err != nil {
			// A single malformed object must never take down the whole pump;
			// the agent CLI's own stream is not ours to validate strictly.
			continue
		}
		for _, m := range msgs {
			if init, ok := m.(SystemInit); ok && sess.ThreadID() == "" {
				sess.setThreadID(init.ThreadID)
			}
			if _, ok := m.(Result); ok {
				sess.setState(HandleReady)
			}
			msgCh <- m
		}
	}
}
