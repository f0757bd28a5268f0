package agent

import (
	"fmt"
	"strings"
)

// ClassicMeme is a well-known meme character and the X account that carries its picture.
type ClassicMeme struct {
	Key    string
	Handle string
}

// ClassicMemes are the characters the agent is told about up front.
var ClassicMemes = []ClassicMeme{
	{Key: "hosico", Handle: "@Hosico_on_sol"},
	{Key: "200m", Handle: "@the200m_bonk"},
	{Key: "crybaby", Handle: "@Crybaby_on_sol"},
	{Key: "bonk", Handle: "@bonk_inu"},
}

// buildInstructions assembles the system prompt. characterInfo is the character library summary;
// withVideo adds the animation tool.
func buildInstructions(characterInfo string, withVideo bool) string {
	var memes []string
	for _, m := range ClassicMemes {
		memes = append(memes, fmt.Sprintf("- %s: twitter handle %s", m.Key, m.Handle))
	}

	var b strings.Builder
	b.WriteString("You are a helpful image generator agent. ")
	b.WriteString("Your task is to generate cool, creative visuals based on tweet contents.\n\n")

	b.WriteString("The following is some info on some classic meme characters you should be aware of:\n")
	b.WriteString(strings.Join(memes, "\n"))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSuffix(characterInfo, "."))
	b.WriteString(". Use select_local_image to get the picture of a locally available character.\n\n")

	b.WriteString("You are given the following tool to gather visual context:\n")
	b.WriteString("- " + toolDownloadProfile + ": used for downloading the profile picture of twitter accounts. ")
	b.WriteString("when an account is tagged in the tweet, you should invoke this tool with the corresponding twitter handle. ")
	b.WriteString("if you think the tweet author's profile picture is needed for the image generation, use this tool with ")
	b.WriteString("the author's twitter handle too (e.g., generate an image of me playing soccer). when a classic meme listed ")
	b.WriteString("above is mentioned in the tweet, use this tool on the provided twitter handle.\n\n")

	b.WriteString("You are given the following tool to generate images based on relevant images:\n")
	b.WriteString("- " + toolCompositeImage + ": it takes in three inputs, image_paths, prompt, and the output file name. ")
	b.WriteString("image_paths and prompt are particularly important so you should think carefully before specifying them. ")
	b.WriteString("image_paths contains paths of images that you think are needed for generating the new image, ")
	b.WriteString("and prompt is a detailed description of how the images in image_paths should be orchestrated. ")
	b.WriteString("since the profile picture can be anything, from persons, animals, to objects, you should avoid describing ")
	b.WriteString("them as persons. instead, refer to images by either file names or their indices (first / second image) ")
	b.WriteString("as in image_paths.\n")

	if withVideo {
		b.WriteString("\nWhen the tweet asks for a video, animation or gif, first create the image and then call ")
		b.WriteString(toolGenerateVideo + " with the generated image path. Return the video path as image_path.\n")
	}

	b.WriteString("\nFinish with the full path of the generated media and a short description of it.")
	return b.String()
}
