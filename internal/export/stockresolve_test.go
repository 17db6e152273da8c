package export

import "testing"

func TestResolveStock(t *testing.T) {
	tests := []struct {
		name             string
		stockIT, stockEU int64
		includeEU        bool
		daysIT, daysEU   int
		want             Resolution
	}{
		{"domestic only, enough stock", 5, 0, false, 2, 7,
			Resolution{Qty: 5, LeadDays: 2, Export: true, Source: SourceIT}},
		{"domestic only, EU pool ignored", 1, 9, false, 2, 7,
			Resolution{Source: SourceNone}},
		{"domestic floor boundary", 2, 0, false, 2, 7,
			Resolution{Qty: 2, LeadDays: 2, Export: true, Source: SourceIT}},
		{"domestic wins over fallback", 3, 9, true, 2, 7,
			Resolution{Qty: 3, LeadDays: 2, Export: true, Source: SourceIT}},
		{"combined pool clears the floor", 1, 1, true, 3, 5,
			Resolution{Qty: 2, LeadDays: 5, Export: true, Source: SourceEUFallback}},
		{"pure EU fallback", 0, 2, true, 2, 7,
			Resolution{Qty: 2, LeadDays: 7, Export: true, Source: SourceEUFallback}},
		{"combined pool still short", 1, 0, true, 2, 7,
			Resolution{Source: SourceNone}},
		{"nothing anywhere", 0, 0, true, 2, 7,
			Resolution{Source: SourceNone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveStock(tt.stockIT, tt.stockEU, tt.includeEU, tt.daysIT, tt.daysEU)
			if got != tt.want {
				t.Errorf("ResolveStock(%d, %d, %v, %d, %d) = %+v, want %+v",
					tt.stockIT, tt.stockEU, tt.includeEU, tt.daysIT, tt.daysEU, got, tt.want)
			}
		})
	}
}

func TestVerifyGolden(t *testing.T) {
	if err := VerifyGolden(); err != nil {
		t.Errorf("VerifyGolden() = %v", err)
	}
}
