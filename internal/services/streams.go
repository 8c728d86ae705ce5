package services

import "sort"

// Data stream names accepted by the platform.
const (
	StreamAccelerometer   = "accelerometer"
	StreamAmbientAudio    = "ambient_audio"
	StreamAppLog          = "app_log"
	StreamBluetooth       = "bluetooth"
	StreamCalls           = "calls"
	StreamDeviceMotion    = "devicemotion"
	StreamGPS             = "gps"
	StreamGyro            = "gyro"
	StreamIdentifiers     = "identifiers"
	StreamImageSurvey     = "image_survey"
	StreamIOSLog          = "ios_log"
	StreamMagnetometer    = "magnetometer"
	StreamPowerState      = "power_state"
	StreamProximity       = "proximity"
	StreamReachability    = "reachability"
	StreamSurveyAnswers   = "survey_answers"
	StreamSurveyTimings   = "survey_timings"
	StreamTexts           = "texts"
	StreamAudioRecordings = "audio_recordings"
	StreamWifi            = "wifi"
)

var knownStreams = map[string]struct{}{
	StreamAccelerometer: {}, StreamAmbientAudio: {}, StreamAppLog: {}, StreamBluetooth: {},
	StreamCalls: {}, StreamDeviceMotion: {}, StreamGPS: {}, StreamGyro: {},
	StreamIdentifiers: {}, StreamImageSurvey: {}, StreamIOSLog: {}, StreamMagnetometer: {},
	StreamPowerState: {}, StreamProximity: {}, StreamReachability: {}, StreamSurveyAnswers: {},
	StreamSurveyTimings: {}, StreamTexts: {}, StreamAudioRecordings: {}, StreamWifi: {},
}

func IsKnownStream(name string) bool {
	_, ok := knownStreams[name]
	return ok
}

// AllStreams returns every known stream, sorted.
func AllStreams() []string {
	out := make([]string, 0, len(knownStreams))
	for s := range knownStreams {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Forest trees and the streams each one consumes.
const (
	TreeJasmine  = "jasmine"
	TreeWillow   = "willow"
	TreeSycamore = "sycamore"
)

var treeStreams = map[string][]string{
	TreeJasmine:  {StreamGPS},
	TreeWillow:   {StreamCalls, StreamTexts},
	TreeSycamore: {StreamSurveyAnswers, StreamSurveyTimings},
}

func IsKnownTree(name string) bool {
	_, ok := treeStreams[name]
	return ok
}

func TreeStreams(tree string) []string {
	return append([]string(nil), treeStreams[tree]...)
}
