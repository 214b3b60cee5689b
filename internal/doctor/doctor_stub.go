//go:build !whisper

package doctor

const whisperBuilt = false

func checkWhisperBuild() Result {
	return Result{Name: "whisper", Optional: true, Detail: "built without whisper; rebuild with -tags whisper to recognize speech"}
}
