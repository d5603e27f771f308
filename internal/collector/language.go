package collector

import (
	"github.com/abadojack/whatlanggo"

	"github.com/kolscope/kolscope/internal/models"
)

// descriptionAgreementBoost is added to the confidence when the channel
// description's detected language agrees with the video-title majority.
const descriptionAgreementBoost = 0.15

// detectFunc detects the language of a text, returning an ISO code and a
// detector confidence. Injectable for tests.
type detectFunc func(text string) (string, float64)

// LanguageDetector derives a channel's dominant content language by voting
// across its recent video titles.
type LanguageDetector struct {
	detect detectFunc
}

// NewLanguageDetector builds a detector backed by whatlanggo's trigram
// profiles.
func NewLanguageDetector() *LanguageDetector {
	return &LanguageDetector{detect: detectWhatlang}
}

func detectWhatlang(text string) (string, float64) {
	if text == "" {
		return "", 0
	}
	info := whatlanggo.Detect(text)
	return whatlanggo.LangToString(info.Lang), info.Confidence
}

// LanguageResult is the outcome of a channel-level detection.
type LanguageResult struct {
	Language   string
	Confidence float64
	// PerVideo holds the language detected for each sample title, in order.
	PerVideo []string
}

// Detect runs language detection independently on the channel description
// and on each sample video title, takes a majority vote across the titles
// as the primary result, and boosts confidence when the description's
// language agrees with that majority.
func (d *LanguageDetector) Detect(description string, videos []models.Video) LanguageResult {
	var result LanguageResult

	votes := make(map[string]int)
	for _, v := range videos {
		lang, _ := d.detect(v.Title)
		result.PerVideo = append(result.PerVideo, lang)
		if lang != "" {
			votes[lang]++
		}
	}

	total := 0
	best, bestCount := "", 0
	for lang, count := range votes {
		total += count
		if count > bestCount || (count == bestCount && lang < best) {
			best, bestCount = lang, count
		}
	}

	descLang, descConf := d.detect(description)

	if total == 0 {
		// No sample signal; fall back to the description alone.
		result.Language = descLang
		result.Confidence = descConf
		return result
	}

	result.Language = best
	result.Confidence = float64(bestCount) / float64(total)
	if descLang != "" && descLang == best {
		result.Confidence += descriptionAgreementBoost
		if result.Confidence > 1.0 {
			result.Confidence = 1.0
		}
	}
	return result
}
