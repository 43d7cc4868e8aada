package cancelsig_test

import (
	"sync"
	"testing"

	"github.com/basket/goclawd/internal/cancelsig"
)

func TestSignalStartsUnset(t *testing.T) {
	s := cancelsig.New()
	if s.IsSet() {
		t.Fatalf("expected a new signal to start unset")
	}
}

func TestSetIsIdempotentAndObservable(t *testing.T) {
	s := cancelsig.New()
	s.Set()
	s.Set()
	if !s.IsSet() {
		t.Fatalf("expected signal to be set after Set")
	}
}

func TestSignalIsConcurrencySafe(t *testing.T) {
	s := cancelsig.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set()
			_ = s.IsSet()
		}()
	}
	wg.Wait()
	if !s.IsSet() {
		t.Fatalf("expected signal to be set after concurrent Set calls")
	}
}
