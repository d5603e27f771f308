package collector

import (
	"math"
	"testing"

	"github.com/kolscope/kolscope/internal/models"
)

// stubDetector maps exact texts to languages; unmapped texts detect nothing.
func stubDetector(langs map[string]string) detectFunc {
	return func(text string) (string, float64) {
		lang, ok := langs[text]
		if !ok {
			return "", 0
		}
		return lang, 0.9
	}
}

func titled(titles ...string) []models.Video {
	videos := make([]models.Video, len(titles))
	for i, title := range titles {
		videos[i] = models.Video{VideoID: title, Title: title}
	}
	return videos
}

func TestDetectMajorityVote(t *testing.T) {
	langs := map[string]string{
		"t1": "eng", "t2": "eng", "t3": "eng", "t4": "eng",
		"t5": "eng", "t6": "eng", "t7": "eng",
		"t8": "deu", "t9": "deu", "t10": "deu",
	}
	d := &LanguageDetector{detect: stubDetector(langs)}

	got := d.Detect("", titled("t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8", "t9", "t10"))

	if got.Language != "eng" {
		t.Fatalf("Language = %q, want eng", got.Language)
	}
	if math.Abs(got.Confidence-0.7) > 1e-9 {
		t.Fatalf("Confidence = %v, want 0.7", got.Confidence)
	}
	if len(got.PerVideo) != 10 {
		t.Fatalf("PerVideo has %d entries, want 10", len(got.PerVideo))
	}
}

func TestDetectDescriptionAgreementBoostsConfidence(t *testing.T) {
	langs := map[string]string{
		"t1": "eng", "t2": "eng", "t3": "eng",
		"t4":   "fra",
		"desc": "eng",
	}
	d := &LanguageDetector{detect: stubDetector(langs)}

	got := d.Detect("desc", titled("t1", "t2", "t3", "t4"))

	if got.Language != "eng" {
		t.Fatalf("Language = %q, want eng", got.Language)
	}
	// 0.75 majority + 0.15 agreement boost.
	if math.Abs(got.Confidence-0.9) > 1e-9 {
		t.Fatalf("Confidence = %v, want 0.9", got.Confidence)
	}
}

func TestDetectConfidenceCappedAtOne(t *testing.T) {
	langs := map[string]string{"t1": "eng", "t2": "eng", "desc": "eng"}
	d := &LanguageDetector{detect: stubDetector(langs)}

	got := d.Detect("desc", titled("t1", "t2"))

	if got.Confidence != 1.0 {
		t.Fatalf("Confidence = %v, want capped at 1.0", got.Confidence)
	}
}

func TestDetectFallsBackToDescription(t *testing.T) {
	langs := map[string]string{"desc": "jpn"}
	d := &LanguageDetector{detect: stubDetector(langs)}

	// Titles yield no votes at all.
	got := d.Detect("desc", titled("t1", "t2"))

	if got.Language != "jpn" {
		t.Fatalf("Language = %q, want jpn fallback", got.Language)
	}
	if math.Abs(got.Confidence-0.9) > 1e-9 {
		t.Fatalf("Confidence = %v, want detector confidence 0.9", got.Confidence)
	}
}

func TestDetectEmptyInputs(t *testing.T) {
	d := &LanguageDetector{detect: stubDetector(nil)}

	got := d.Detect("", nil)

	if got.Language != "" || got.Confidence != 0 {
		t.Fatalf("got %+v, want empty result", got)
	}
}
