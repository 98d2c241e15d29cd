/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

// MockT captures failures so that the assertion helpers themselves can be tested.
type MockT struct {
	Failed bool
	Format string
	Args   []interface{}
}

func (t *MockT) FailNow() { t.Failed = true }

func (t *MockT) Errorf(format string, args ...interface{}) {
	t.Format = format
	t.Args = args
}

func (t *MockT) Helper() {}
