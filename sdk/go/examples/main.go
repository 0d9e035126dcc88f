package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/precious195/airbrain-sub000/sdk/go/airbrain"
)

// main submits a goal to a running airbraind, answers any OTP prompt from
// stdin and prints the final task.
func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "airbraind base URL")
		apiKey  = flag.String("api-key", os.Getenv("AIRBRAIN_API_KEY"), "API key")
		tenant  = flag.String("tenant", "default", "tenant when the server runs without auth")
		target  = flag.String("target", "https://erp.example.com", "target system")
		goal    = flag.String("goal", "export open purchase orders", "goal to automate")
	)
	flag.Parse()

	client, err := airbrain.NewClient(*baseURL, airbrain.WithAPIKey(*apiKey), airbrain.WithTenant(*tenant))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	task, err := client.SubmitTask(ctx, airbrain.TaskSubmission{Goal: *goal, TargetURL: *target})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", task.ID, task.Status)

	for !task.Done() {
		pending, err := client.PendingInputs(ctx)
		if err != nil {
			log.Fatal(err)
		}
		for _, req := range pending {
			if req.Purpose != "otp" || (task.SessionID != "" && req.SessionID != task.SessionID) {
				continue
			}
			fmt.Printf("%s\ncode: ", req.Message)
			var code string
			if _, err := fmt.Scanln(&code); err == nil {
				if err := client.SubmitOTP(ctx, req.ID, code); err != nil {
					log.Printf("submit code: %v", err)
				}
			}
		}
		time.Sleep(2 * time.Second)
		if task, err = client.GetTask(ctx, task.ID); err != nil {
			log.Fatal(err)
		}
	}

	if task.Result != nil {
		fmt.Printf("task %s finished: success=%v variables=%v\n", task.ID, task.Result.Success, task.Result.Variables)
		return
	}
	fmt.Printf("task %s failed: %s (%s)\n", task.ID, task.LastError, task.ErrorCode)
}
