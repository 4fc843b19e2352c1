package pricing

// ComputeCost calculates the monetary cost of a call from the pricing table.
//
// Models absent from the table cost 0; an unknown model is a permissive
// default here, not an error. Token counts are ignored for image and video
// calls. durationSeconds applies to video only and defaults to 1 when
// non-positive.
func (t *Table) ComputeCost(modelID string, callType CallType, tokensInput, tokensOutput int, durationSeconds float64) float64 {
	p, ok := t.models[modelID]
	if !ok {
		return 0
	}

	switch callType {
	case CallTypeImage:
		if p.ImagePerGeneration == nil {
			return 0
		}
		return *p.ImagePerGeneration

	case CallTypeVideo:
		if p.VideoPerSecond == nil {
			return 0
		}
		if durationSeconds <= 0 {
			durationSeconds = 1
		}
		return *p.VideoPerSecond * durationSeconds

	default:
		return float64(tokensInput)/1000*p.InputPer1kTokens +
			float64(tokensOutput)/1000*p.OutputPer1kTokens
	}
}
