package domain

// ProjectType categorizes the work a message relates to.
type ProjectType string

const (
	TypeRenovation ProjectType = "renovation"
	TypeNewBuild   ProjectType = "new_build"
	TypeMaintain   ProjectType = "maintenance"
	TypeQuote      ProjectType = "quote"
	TypeVariation  ProjectType = "variation"
	TypePayment    ProjectType = "payment"
	TypeCompletion ProjectType = "completion"
	TypeOther      ProjectType = "other"
)

// JobNumberSource says where in the message a job number was seen.
type JobNumberSource string

const (
	SourceSubject    JobNumberSource = "subject"
	SourceBody       JobNumberSource = "body"
	SourceSignature  JobNumberSource = "signature"
	SourceAttachment JobNumberSource = "attachment-filename"
)

// ExtractedName is the project-name candidate with its aliases.
type ExtractedName struct {
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	Aliases    []string `json:"aliases,omitempty"`
}

// ExtractedAddress carries the parsed address plus its confidence.
type ExtractedAddress struct {
	Full       string  `json:"full"`
	Street     string  `json:"street,omitempty"`
	Locality   string  `json:"locality,omitempty"`
	Region     string  `json:"region,omitempty"`
	Postcode   string  `json:"postcode,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ExtractedJobNumber is one job-number candidate.
type ExtractedJobNumber struct {
	Value      string          `json:"value"`
	Source     JobNumberSource `json:"source"`
	Confidence float64         `json:"confidence"`
}

// ExtractedClient is the client contact the extractor found.
type ExtractedClient struct {
	Name       string  `json:"name,omitempty"`
	Email      string  `json:"email,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Company    string  `json:"company,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Entities is the structured record the extractor produces for one
// message. AltNames carries additional independent project-name
// candidates beyond ProjectName (multi-project detection).
type Entities struct {
	ProjectName       *ExtractedName       `json:"project_name,omitempty"`
	AltNames          []ExtractedName      `json:"alt_names,omitempty"`
	Address           *ExtractedAddress    `json:"address,omitempty"`
	JobNumbers        []ExtractedJobNumber `json:"job_numbers,omitempty"`
	Client            ExtractedClient      `json:"client"`
	ProjectType       ProjectType          `json:"project_type,omitempty"`
	Keywords          []string             `json:"keywords,omitempty"`
	OverallConfidence float64              `json:"overall_confidence"`
}

// MatchingIndicators flags which dimensions a similarity comparison
// found in common.
type MatchingIndicators struct {
	ProjectName bool `json:"project_name"`
	Address     bool `json:"address"`
	JobNumber   bool `json:"job_number"`
	Client      bool `json:"client"`
	Content     bool `json:"content"`
}

// Similarity is the pairwise comparison result.
type Similarity struct {
	SameProject bool               `json:"same_project"`
	Score       float64            `json:"score"`
	Indicators  MatchingIndicators `json:"matching_indicators"`
	Reason      string             `json:"reason,omitempty"`
}
