package http

import (
	"net/http"
	"sort"

	"github.com/golang/gddo/httputil/header"
)

// negotiate picks the response content type for r out of offers, which
// are in order of preference. Without an Accept header the first offer
// wins. Otherwise the acceptable offer with the highest quality wins,
// ties going to the earlier offer; "" means none is acceptable.
func negotiate(r *http.Request, offers ...string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return offers[0]
	}

	rank := make(map[string]int, len(offers))
	for i, o := range offers {
		rank[o] = i
	}
	var acceptable []header.AcceptSpec
	for _, spec := range specs {
		if _, ok := rank[spec.Value]; ok {
			acceptable = append(acceptable, spec)
		}
	}
	if len(acceptable) == 0 {
		return ""
	}
	sort.SliceStable(acceptable, func(i, j int) bool {
		if acceptable[i].Q != acceptable[j].Q {
			return acceptable[i].Q > acceptable[j].Q
		}
		return rank[acceptable[i].Value] < rank[acceptable[j].Value]
	})
	return acceptable[0].Value
}
