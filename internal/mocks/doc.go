// Package mocks provides centralized test doubles for the store interfaces.
//
// MemoryDB backs in-memory implementations of every repository. They follow
// the same contracts as the SQL backends, record each write, and accept an
// Intercept hook that can fail or block any operation:
//
//	db := mocks.NewMemoryDB()
//	db.Intercept = func(op mocks.Op, key string) error {
//	    if op == mocks.OpCreateTask && key == "flaky" {
//	        return errors.New("connection reset")
//	    }
//	    return nil
//	}
//	stores := db.Stores()
//
// MockSharedContextRepository is a testify mock for tests that assert on
// exact calls.
package mocks
