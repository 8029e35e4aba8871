package keyregistry

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func credsOfSize(n int) []Credential {
	creds := make([]Credential, n)
	for i := range creds {
		creds[i] = Credential(fmt.Sprintf("cred-%d", i))
	}
	return creds
}

// TestRegistryProperties checks spec.md §8 invariant #1 - valid[]
// membership always exactly tracks whether failCount < MaxFailures -
// across random sequences of IncrementFailure/ResetFailure calls.
func TestRegistryProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("valid[] membership matches failCount < MaxFailures", prop.ForAll(
		func(n int, ops []int) bool {
			if n <= 0 {
				return true
			}
			creds := credsOfSize(n)
			r := New(creds, Config{MaxFailures: 3, Timezone: "UTC"})

			for _, op := range ops {
				c := creds[((op%n)+n)%n]
				if op%2 == 0 {
					r.IncrementFailure(c)
				} else {
					r.ResetFailure(c)
				}
			}

			valid := make(map[Credential]bool)
			for _, c := range r.Valid() {
				valid[c] = true
			}

			for _, c := range creds {
				inValid := valid[c]
				belowThreshold := r.FailureCount(c) < 3
				if inValid != belowThreshold {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOfN(30, gen.IntRange(0, 1000)),
	))

	properties.Property("NextWorkingKey always returns a known credential when valid[] is non-empty", prop.ForAll(
		func(n int) bool {
			if n <= 0 {
				return true
			}
			creds := credsOfSize(n)
			r := New(creds, Config{MaxFailures: 3, Timezone: "UTC"})

			got := r.NextWorkingKey("")
			for _, c := range creds {
				if c == got {
					return true
				}
			}
			return false
		},
		gen.IntRange(1, 20),
	))

	properties.Property("markFailed then resetFailure restores valid[] membership and zeroes failCount", prop.ForAll(
		func(n int) bool {
			if n <= 0 {
				return true
			}
			creds := credsOfSize(n)
			r := New(creds, Config{MaxFailures: 3, Timezone: "UTC"})

			target := creds[0]
			r.MarkFailed(target)
			r.ResetFailure(target)

			if r.FailureCount(target) != 0 {
				return false
			}
			for _, c := range r.Valid() {
				if c == target {
					return true
				}
			}
			return false
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

// TestRegistryConcurrentAccessProperties checks that concurrent
// mutation through the registry's exported methods never panics or
// deadlocks, mirroring the teacher's concurrent-access property shape.
func TestRegistryConcurrentAccessProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent mutation is safe", prop.ForAll(
		func(goroutines int) bool {
			if goroutines <= 0 || goroutines > 50 {
				return true
			}

			creds := credsOfSize(5)
			r := New(creds, Config{MaxFailures: 3, Timezone: "UTC"})

			done := make(chan bool, goroutines)
			for i := 0; i < goroutines; i++ {
				go func(i int) {
					defer func() {
						done <- recover() == nil
					}()
					c := creds[i%len(creds)]
					r.IncrementFailure(c)
					r.ResetFailure(c)
					r.CoolDown(c, "gemini-pro")
					_ = r.NextWorkingKey("gemini-pro")
				}(i)
			}

			for i := 0; i < goroutines; i++ {
				if !<-done {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
