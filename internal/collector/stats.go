package collector

import (
	"sort"

	"github.com/kolscope/kolscope/internal/models"
)

// Aggregate computes per-channel metrics from a recent-video sample: mean
// view/like/comment counts, the mean engagement rate, and Tukey-fence view
// outliers (above Q3 + 1.5x IQR on the sample).
func Aggregate(videos []models.Video) models.VideoStats {
	stats := models.VideoStats{RecentVideos: videos}
	if len(videos) == 0 {
		return stats
	}

	var views, likes, comments int64
	var engagementSum float64
	engaged := 0
	for _, v := range videos {
		views += v.ViewCount
		likes += v.LikeCount
		comments += v.CommentCount
		if v.ViewCount > 0 {
			engagementSum += float64(v.LikeCount+v.CommentCount) / float64(v.ViewCount)
			engaged++
		}
	}

	n := float64(len(videos))
	stats.AvgViewCount = float64(views) / n
	stats.AvgLikeCount = float64(likes) / n
	stats.AvgCommentCnt = float64(comments) / n
	if engaged > 0 {
		stats.EngagementRate = engagementSum / float64(engaged)
	}

	fence, ok := tukeyUpperFence(videos)
	if ok {
		for _, v := range videos {
			if float64(v.ViewCount) > fence {
				stats.HasOutliers = true
				stats.OutlierVideos = append(stats.OutlierVideos, v)
			}
		}
	}

	return stats
}

// tukeyUpperFence returns Q3 + 1.5x IQR over the sample's view counts.
// Quartiles use the median-of-halves method, which is what the fence was
// defined for on small samples.
func tukeyUpperFence(videos []models.Video) (float64, bool) {
	if len(videos) < 4 {
		return 0, false
	}

	values := make([]float64, len(videos))
	for i, v := range videos {
		values[i] = float64(v.ViewCount)
	}
	sort.Float64s(values)

	mid := len(values) / 2
	lower := values[:mid]
	upper := values[mid:]
	if len(values)%2 == 1 {
		upper = values[mid+1:]
	}

	q1 := median(lower)
	q3 := median(upper)
	iqr := q3 - q1
	return q3 + 1.5*iqr, true
}

// median of a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
