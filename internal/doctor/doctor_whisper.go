//go:build whisper

package doctor

const whisperBuilt = true

func checkWhisperBuild() Result {
	return Result{Name: "whisper", Pass: true, Detail: "built with whisper.cpp"}
}
