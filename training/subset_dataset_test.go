package training

import (
	"testing"
)

func TestSubset(t *testing.T) {
	t.Run("Maps subset positions to original indices", func(t *testing.T) {
		dataset := newTestDataset(t, 5)
		subset, err := NewSubset(dataset, []int{4, 0, 2})
		if err != nil {
			t.Fatalf("Failed to create subset: %v", err)
		}

		if subset.Len() != 3 {
			t.Errorf("Expected length 3, got %d", subset.Len())
		}

		expected := []int{4, 0, 2}
		for pos, origIdx := range expected {
			sample, err := subset.Get(pos)
			if err != nil {
				t.Fatalf("Get(%d) failed: %v", pos, err)
			}
			id := int(sample.Image.Data.([]float32)[0])
			if id != origIdx {
				t.Errorf("Position %d: expected sample %d, got %d", pos, origIdx, id)
			}
		}
	})

	t.Run("Out of range subset positions rejected", func(t *testing.T) {
		dataset := newTestDataset(t, 3)
		subset, _ := NewSubset(dataset, []int{0, 1})

		if _, err := subset.Get(2); err == nil {
			t.Error("Expected error for position beyond subset")
		}
		if _, err := subset.Get(-1); err == nil {
			t.Error("Expected error for negative position")
		}
	})

	t.Run("Invalid original indices rejected at construction", func(t *testing.T) {
		dataset := newTestDataset(t, 3)

		if _, err := NewSubset(dataset, []int{0, 3}); err == nil {
			t.Error("Expected error for index past dataset end")
		}
		if _, err := NewSubset(dataset, []int{-1}); err == nil {
			t.Error("Expected error for negative index")
		}
		if _, err := NewSubset(nil, []int{0}); err == nil {
			t.Error("Expected error for nil dataset")
		}
	})

	t.Run("Caller's index slice is copied", func(t *testing.T) {
		dataset := newTestDataset(t, 4)
		indices := []int{1, 2}
		subset, _ := NewSubset(dataset, indices)

		indices[0] = 3
		sample, err := subset.Get(0)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if int(sample.Image.Data.([]float32)[0]) != 1 {
			t.Error("Subset should not observe mutations of the caller's slice")
		}
	})

	t.Run("Head subset clamps to dataset size", func(t *testing.T) {
		dataset := newTestDataset(t, 3)

		head, err := NewHeadSubset(dataset, 2)
		if err != nil {
			t.Fatalf("Failed to create head subset: %v", err)
		}
		if head.Len() != 2 {
			t.Errorf("Expected length 2, got %d", head.Len())
		}

		clamped, err := NewHeadSubset(dataset, 10)
		if err != nil {
			t.Fatalf("Failed to create clamped subset: %v", err)
		}
		if clamped.Len() != 3 {
			t.Errorf("Expected clamped length 3, got %d", clamped.Len())
		}

		if _, err := NewHeadSubset(dataset, -1); err == nil {
			t.Error("Expected error for negative limit")
		}
	})
}
