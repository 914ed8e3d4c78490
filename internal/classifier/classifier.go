// Package classifier 把检出项汇总为各等级计数和恶意判定。
package classifier

import (
	"strings"

	"github.com/Hara602/usbResponder/internal/model"
)

// Counts 分级计数
type Counts struct {
	Critical  int  `json:"critical"`
	High      int  `json:"high"`
	Medium    int  `json:"medium"`
	Other     int  `json:"other"`
	Total     int  `json:"total"`
	Malicious bool `json:"malicious"`
}

// Classify 纯函数。未知或空等级计入 Other, 同样计入 Total。
func Classify(findings []model.Finding) Counts {
	var c Counts
	for _, f := range findings {
		switch model.Severity(strings.ToUpper(strings.TrimSpace(string(f.Severity)))) {
		case model.SeverityCritical:
			c.Critical++
		case model.SeverityHigh:
			c.High++
		case model.SeverityMedium:
			c.Medium++
		default:
			c.Other++
		}
		c.Total++
	}
	c.Malicious = c.Total > 0
	return c
}
