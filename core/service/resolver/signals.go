package resolver

import (
	"strings"

	"github.com/GPEire/Tradie-GSuite/core/domain"
)

// Signal weights, in priority order. A candidate's raw score is the
// sum of its matching signal weights, later multiplied by the
// extractor's overall confidence.
const (
	WeightAddress    = 0.45
	WeightJobNumber  = 0.35
	WeightThread     = 0.30
	WeightName       = 0.25
	WeightClient     = 0.15
	WeightSimilarity = 0.10

	// Fixed bonus a sender or address learning pattern adds.
	PatternBonus = 0.10

	// Minimum LLM pairwise score for signal 6 to fire.
	similarityFloor = 0.8
)

// AddressNormalizer folds an address into a comparison key. The
// default is locale-agnostic street+postcode; deployments with a
// locale-specific normalizer plug one in here.
type AddressNormalizer func(street, locality, postcode string) string

// DefaultAddressNormalizer keys on folded street plus postcode, or
// street plus locality when the postcode is missing.
func DefaultAddressNormalizer(street, locality, postcode string) string {
	st := foldAddressPart(street)
	if st == "" {
		return ""
	}
	if pc := foldAddressPart(postcode); pc != "" {
		return st + "|" + pc
	}
	if loc := foldAddressPart(locality); loc != "" {
		return st + "|" + loc
	}
	return ""
}

// foldAddressPart lowercases, collapses whitespace and expands the
// common street-type abbreviations so "Baker St" and "Baker Street"
// compare equal.
func foldAddressPart(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		f = strings.Trim(f, ".,")
		if full, ok := streetAbbrev[f]; ok {
			f = full
		}
		fields[i] = f
	}
	return strings.Join(fields, " ")
}

var streetAbbrev = map[string]string{
	"st":   "street",
	"rd":   "road",
	"ave":  "avenue",
	"av":   "avenue",
	"dr":   "drive",
	"ct":   "court",
	"pl":   "place",
	"ln":   "lane",
	"cres": "crescent",
	"hwy":  "highway",
	"tce":  "terrace",
}

// signalSet records which signals matched for one candidate.
type signalSet struct {
	Address    bool
	JobNumber  bool
	Thread     bool
	Name       bool
	Client     bool
	Similarity bool

	AliasPromoted bool
	PatternBonus  float64
}

// weight sums the matched signal weights plus pattern bonuses.
func (s signalSet) weight() float64 {
	var w float64
	if s.Address {
		w += WeightAddress
	}
	if s.JobNumber {
		w += WeightJobNumber
	}
	if s.Thread {
		w += WeightThread
	}
	if s.Name {
		w += WeightName
	}
	if s.Client {
		w += WeightClient
	}
	if s.Similarity {
		w += WeightSimilarity
	}
	w += s.PatternBonus
	if w > 1 {
		w = 1
	}
	return w
}

// patternIndex arranges a user's active learning patterns for O(1)
// lookup during scoring.
type patternIndex struct {
	aliasByProject  map[int64][]string // folded alias fragments
	senderToProject map[string]int64
	addrToProject   map[string]int64
}

func indexPatterns(patterns []*domain.LearningPattern) *patternIndex {
	idx := &patternIndex{
		aliasByProject:  make(map[int64][]string),
		senderToProject: make(map[string]int64),
		addrToProject:   make(map[string]int64),
	}
	for _, p := range patterns {
		if !p.Active {
			continue
		}
		switch p.Type {
		case domain.PatternAlias:
			idx.aliasByProject[p.ProjectID] = append(idx.aliasByProject[p.ProjectID], domain.NormalizeName(p.Pattern))
		case domain.PatternSender:
			idx.senderToProject[strings.ToLower(p.Pattern)] = p.ProjectID
		case domain.PatternAddress:
			idx.addrToProject[p.Pattern] = p.ProjectID
		}
	}
	return idx
}

// evalSignals computes signals 1-5 and pattern effects for one
// candidate. Signal 6 (LLM similarity) is added separately because it
// costs an extractor call.
func evalSignals(
	p *domain.Project,
	entities *domain.Entities,
	msg *domain.Message,
	threadProject int64,
	senderHistory map[string]bool,
	patterns *patternIndex,
	normalize AddressNormalizer,
) signalSet {
	var s signalSet

	// 1. Normalized address match.
	if entities.Address != nil && !p.Address.Empty() {
		msgKey := normalize(entities.Address.Street, entities.Address.Locality, entities.Address.Postcode)
		projKey := normalize(p.Address.Street, p.Address.Locality, p.Address.Postcode)
		if msgKey != "" && msgKey == projKey {
			s.Address = true
		}
	}

	// 2. Job-number membership.
	for _, jn := range entities.JobNumbers {
		if p.HasJobNumber(jn.Value) {
			s.JobNumber = true
			break
		}
	}

	// 3. Thread consensus.
	if threadProject != 0 && threadProject == p.ID {
		s.Thread = true
	}

	// 4. Name or alias match after folding. An alias learning pattern
	// promotes a partial match to the full weight.
	if entities.ProjectName != nil {
		folded := domain.NormalizeName(entities.ProjectName.Value)
		if p.MatchesName(entities.ProjectName.Value) {
			s.Name = true
		} else if folded != "" {
			for _, aliasPattern := range patterns.aliasByProject[p.ID] {
				if aliasPattern != "" && (strings.Contains(folded, aliasPattern) || strings.Contains(aliasPattern, folded)) {
					s.Name = true
					s.AliasPromoted = true
					break
				}
			}
		}
	}

	// 5. Client email: project contact or any sender seen in the
	// project's mappings. Sender identity contributes only here.
	senderEmail := strings.ToLower(msg.From.Email)
	clientEmail := ""
	if entities.Client.Email != "" {
		clientEmail = strings.ToLower(entities.Client.Email)
	}
	projClient := strings.ToLower(p.Client.Email)
	if (clientEmail != "" && clientEmail == projClient) ||
		(senderEmail != "" && senderEmail == projClient) ||
		senderHistory[senderEmail] {
		s.Client = true
	}

	// Sender and address patterns add a fixed bonus.
	if pid, ok := patterns.senderToProject[senderEmail]; ok && pid == p.ID {
		s.PatternBonus += PatternBonus
	}
	if entities.Address != nil {
		msgKey := normalize(entities.Address.Street, entities.Address.Locality, entities.Address.Postcode)
		if pid, ok := patterns.addrToProject[msgKey]; ok && pid == p.ID {
			s.PatternBonus += PatternBonus
		}
	}

	return s
}
