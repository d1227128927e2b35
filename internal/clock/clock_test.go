package clock

import (
	"testing"
	"time"
)

func TestManual_FiresInOrder(t *testing.T) {
	start := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := c.AfterFunc(time.Second, func() { order = append(order, "stopped") })

	if !stopped.Stop() {
		t.Fatal("Stop() = false on armed timer")
	}

	c.Advance(500 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("fired early: %v", order)
	}

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
	if c.Armed() != 0 {
		t.Errorf("Armed() = %d, want 0", c.Armed())
	}
	if !c.Now().Equal(start.Add(2500 * time.Millisecond)) {
		t.Errorf("Now() = %v", c.Now())
	}
}
