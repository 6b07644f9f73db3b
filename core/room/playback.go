package room

import (
	"time"

	"CoWatch/model"
)

// ProjectPosition 推算当前播放位置：暂停时位置不变，播放中加上自 CapturedAt 以来经过的时间。
func ProjectPosition(track *model.CurrentTrack, now time.Time) float64 {
	if track == nil {
		return 0
	}
	if !track.IsPlaying {
		return track.StartTime
	}
	elapsed := now.UnixMilli() - track.CapturedAt
	if elapsed < 0 {
		elapsed = 0
	}
	return track.StartTime + float64(elapsed)/1000
}

// projectTrack 返回推算后的副本，CapturedAt 改为 now，便于客户端继续按同样规则推算
func projectTrack(track *model.CurrentTrack, now time.Time) *model.CurrentTrack {
	if track == nil {
		return nil
	}
	projected := *track
	projected.StartTime = ProjectPosition(track, now)
	projected.CapturedAt = now.UnixMilli()
	return &projected
}
