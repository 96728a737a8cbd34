package domain

// Category is one of the six fixed Bloom's taxonomy cognitive levels.
type Category string

const (
	C1 Category = "C1"
	C2 Category = "C2"
	C3 Category = "C3"
	C4 Category = "C4"
	C5 Category = "C5"
	C6 Category = "C6"
)

var categories = [...]Category{C1, C2, C3, C4, C5, C6}

var categoryNames = map[Category]string{
	C1: "Remember",
	C2: "Understand",
	C3: "Apply",
	C4: "Analyze",
	C5: "Evaluate",
	C6: "Create",
}

var categoryDescriptions = map[Category]string{
	C1: "Recall facts and basic concepts",
	C2: "Explain ideas or concepts",
	C3: "Use information in new situations",
	C4: "Draw connections among ideas",
	C5: "Justify a decision or course of action",
	C6: "Produce new or original work",
}

// Categories returns all six levels in ascending order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories[:])
	return out
}

// Valid reports whether c is one of the six known levels.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// Name returns the short cognitive-level name, e.g. "Remember" for C1.
func (c Category) Name() string {
	return categoryNames[c]
}

// Description returns the long description of the cognitive level.
func (c Category) Description() string {
	return categoryDescriptions[c]
}

// LowerOrder reports whether c belongs to the lower-order thinking skills
// (C1 and C2). The remaining four levels are higher-order.
func (c Category) LowerOrder() bool {
	return c == C1 || c == C2
}

// Counts holds a question tally per category.
type Counts struct {
	C1 int `json:"C1"`
	C2 int `json:"C2"`
	C3 int `json:"C3"`
	C4 int `json:"C4"`
	C5 int `json:"C5"`
	C6 int `json:"C6"`
}

// Of returns the count for the given category.
func (n Counts) Of(c Category) int {
	switch c {
	case C1:
		return n.C1
	case C2:
		return n.C2
	case C3:
		return n.C3
	case C4:
		return n.C4
	case C5:
		return n.C5
	case C6:
		return n.C6
	}
	return 0
}

// Add increments the count for the given category. Unknown categories are
// ignored.
func (n *Counts) Add(c Category) {
	switch c {
	case C1:
		n.C1++
	case C2:
		n.C2++
	case C3:
		n.C3++
	case C4:
		n.C4++
	case C5:
		n.C5++
	case C6:
		n.C6++
	}
}

// Total returns the sum across all six categories.
func (n Counts) Total() int {
	return n.C1 + n.C2 + n.C3 + n.C4 + n.C5 + n.C6
}
