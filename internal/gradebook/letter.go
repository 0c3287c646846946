package gradebook

// Letter breakpoints, highest first. There is no D: anything under 69.5 is F.
var letterTable = []struct {
	min    float64
	letter string
}{
	{93.5, "A"},
	{89.5, "A-"},
	{86.5, "B+"},
	{83.5, "B"},
	{79.5, "B-"},
	{76.5, "C+"},
	{69.5, "C"},
}

// LetterGrade maps a percentage to a letter. Bounds are inclusive.
func LetterGrade(percent float64) string {
	for _, b := range letterTable {
		if percent >= b.min {
			return b.letter
		}
	}
	return "F"
}
