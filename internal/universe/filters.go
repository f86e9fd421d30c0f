package universe

import (
	"strings"

	"github.com/quantops/nightshift/internal/config"
)

// Row is a Bar plus everything the pipeline derives from it. Excluded
// instruments stay in the slice with Member=false and a reason tag so
// any absence from the final ranking can be explained later.
type Row struct {
	Bar
	Member       bool
	FilterReason string
	Factors      Factors
	Norm         map[string]Normalized
}

// ApplyFilters runs the hard universe filter over the snapshot.
// No row is dropped; failing rows are tagged.
func ApplyFilters(bars []Bar, pol config.Universe) []Row {
	rows := make([]Row, 0, len(bars))
	for _, b := range bars {
		reasons := filterReasons(b, pol)
		rows = append(rows, Row{
			Bar:          b,
			Member:       reasons == "",
			FilterReason: reasons,
		})
	}
	return rows
}

func filterReasons(b Bar, pol config.Universe) string {
	var f []string

	for _, suf := range pol.ExcludeSuffixes {
		if strings.HasSuffix(strings.ToUpper(b.Code), strings.ToUpper(suf)) {
			f = append(f, "EXCL_SUFFIX:"+suf)
			break
		}
	}

	pure := b.Code
	if i := strings.IndexByte(pure, '.'); i >= 0 {
		pure = pure[:i]
	}
	for _, pre := range pol.ExcludePrefixes {
		if strings.HasPrefix(pure, pre) {
			f = append(f, "EXCL_PREFIX:"+pre)
			break
		}
	}

	if pol.ExcludeST && isSpecialTreatment(b.Name) {
		f = append(f, "EXCL_ST")
	}

	if b.Close <= 0 {
		f = append(f, "BAD_PRICE")
	}

	if pol.MaxMarketCap > 0 {
		mv := b.TotalMV
		if mv == 0 {
			mv = b.CircMV
		}
		if mv > pol.MaxMarketCap {
			f = append(f, "EXCL_MCAP")
		}
	}

	return strings.Join(f, "|")
}

func isSpecialTreatment(name string) bool {
	u := strings.ToUpper(name)
	return strings.Contains(u, "ST") || strings.Contains(name, "退")
}
