package main

import "StoryToComic-server/cmd"

func main() {
	cmd.Execute()
}
