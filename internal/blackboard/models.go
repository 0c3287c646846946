package blackboard

// Course is the subset of a Learn course the tool reads.
type Course struct {
	ID       string `json:"id"`
	CourseID string `json:"courseId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Column is a gradebook column.
type Column struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DisplayGrade is the grade as Learn computes it for display.
type DisplayGrade struct {
	ScaleType string   `json:"scaleType,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	Possible  *float64 `json:"possible,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// GradeRow is one user's entry in a gradebook column.
type GradeRow struct {
	UserID            string        `json:"userId"`
	ColumnID          string        `json:"columnId,omitempty"`
	Status            string        `json:"status,omitempty"`
	DisplayGrade      *DisplayGrade `json:"displayGrade,omitempty"`
	Text              string        `json:"text,omitempty"`
	Score             *float64      `json:"score,omitempty"`
	Overridden        string        `json:"overridden,omitempty"`
	Notes             string        `json:"notes,omitempty"`
	Feedback          string        `json:"feedback,omitempty"`
	Exempt            bool          `json:"exempt"`
	Corrupt           bool          `json:"corrupt,omitempty"`
	GradeNotationID   string        `json:"gradeNotationId,omitempty"`
	ChangeIndex       int64         `json:"changeIndex,omitempty"`
	FirstRelevantDate string        `json:"firstRelevantDate,omitempty"`
	LastRelevantDate  string        `json:"lastRelevantDate,omitempty"`
}

// GradeUpdate is the writable subset of a GradeRow sent with PATCH.
type GradeUpdate struct {
	Text            string   `json:"text,omitempty"`
	Score           *float64 `json:"score,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	Feedback        string   `json:"feedback,omitempty"`
	Exempt          bool     `json:"exempt"`
	GradeNotationID string   `json:"gradeNotationId,omitempty"`
}

type UserName struct {
	Given  string `json:"given,omitempty"`
	Family string `json:"family,omitempty"`
}

type User struct {
	ID   string   `json:"id"`
	Name UserName `json:"name"`
}

type paging struct {
	NextPage string `json:"nextPage,omitempty"`
}

type page[T any] struct {
	Results []T     `json:"results"`
	Paging  *paging `json:"paging,omitempty"`
}
