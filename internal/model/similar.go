package model

// ConceptEmbedding pairs a concept ID with its stored embedding, the unit the
// similarity fallback matcher ranks over.
type ConceptEmbedding struct {
	ConceptID string    `json:"concept_id"`
	Embedding []float64 `json:"embedding"`
}

// ConceptMatch is one similarity-query candidate, ordered by similarity
// descending with ties broken by smallest concept ID.
type ConceptMatch struct {
	ConceptID  string  `json:"concept_id"`
	Similarity float64 `json:"similarity"`
}
