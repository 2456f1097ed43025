package main

import "quizadmin/services/quiz/cmd/diagnose/commands"

func main() {
	commands.Execute()
}
