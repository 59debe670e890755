//go:build !portaudio

package doctor

func checkPortAudio() Result {
	return Result{Name: "portaudio init", Pass: true, Detail: "not compiled in (build with -tags portaudio)"}
}
