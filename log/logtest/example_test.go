/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"fmt"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

func Example() {
	rejectRequest := func(key string, remaining int, logger log.FieldLogger) {
		logger.Warn("request rejected", log.String("key", key), log.Int("remaining", remaining))
	}

	logRecorder := NewRecorder()
	rejectRequest("user-42", 0, logRecorder)

	// In real tests we can check that the message was logged with the right fields.

	if logEntry, found := logRecorder.FindEntry("request rejected"); found {
		fmt.Printf("[%s] %s\n", logEntry.Level, logEntry.Text)
		if logFieldKey, found := logEntry.FindField("key"); found {
			fmt.Printf("key: %s\n", logFieldKey.Bytes)
		}
		if logFieldRemaining, found := logEntry.FindField("remaining"); found {
			fmt.Printf("remaining: %d\n", logFieldRemaining.Int)
		}
	}

	// Output:
	// [warn] request rejected
	// key: user-42
	// remaining: 0
}
