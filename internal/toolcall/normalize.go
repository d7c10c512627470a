package toolcall

// candidate is one structural matcher. It returns a fully formed
// Detail or reports no match.
type candidate struct {
	name  string
	match func(v *view) (Detail, bool)
}

// genericCandidates apply to every backend, in priority order.
var genericCandidates = []candidate{
	{"shell", matchShell},
	{"edit", matchEdit},
	{"write", matchWrite},
	{"read", matchRead},
	{"search", matchSearch},
	{"sub_agent", matchSubAgent},
	{"plain_text", matchPlainText},
}

// adapters holds backend-specific candidates; they run before the
// generic ones for their own backend.
var adapters = map[Provider][]candidate{
	ProviderClaude:   claudeCandidates,
	ProviderCodex:    codexCandidates,
	ProviderOpenCode: openCodeCandidates,
}

// backendOrder is the order adapters are tried for ProviderGeneric.
var backendOrder = []Provider{ProviderClaude, ProviderCodex, ProviderOpenCode}

func candidatesFor(p Provider) []candidate {
	var out []candidate
	if specific, ok := adapters[p]; ok {
		out = append(out, specific...)
	} else {
		for _, b := range backendOrder {
			out = append(out, adapters[b]...)
		}
	}
	return append(out, genericCandidates...)
}

// Normalize maps a raw tool record from backend p to its canonical
// call id and detail. It never panics and always returns a value;
// records that match no candidate become Unknown with the raw payloads
// preserved. Normalize is pure and safe for concurrent use.
func Normalize(p Provider, rec Record) (res Result) {
	defer func() {
		if recover() != nil {
			if res.CallID == "" {
				res.CallID = deriveCallID(p, rec.Name, nil)
			}
			res.Detail = Unknown{RawInput: rec.Input, RawOutput: rec.Output}
		}
	}()

	res.CallID = resolveCallID(p, rec)
	res.Detail = Classify(p, rec)
	return res
}

// Classify returns the detail for rec without resolving its call id.
func Classify(p Provider, rec Record) Detail {
	v := newView(p, rec)
	for _, c := range candidatesFor(p) {
		if d, ok := c.match(v); ok {
			return d
		}
	}
	return Unknown{RawInput: rec.Input, RawOutput: rec.Output}
}
