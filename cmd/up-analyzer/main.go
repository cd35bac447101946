package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"UDPulse/internal/analysis"
)

func main() {
	sendLogPath := flag.String("send-log", "send_log.csv", "Path to the originator's send log.")
	receiveLogPath := flag.String("receive-log", "receive_log.csv", "Path to the originator's matched-response log.")
	output := flag.StringP("output", "o", "", "Write the JSON report to this file instead of stdout.")
	flag.Parse()

	report, err := analyzeLogs(*sendLogPath, *receiveLogPath)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal report: %v", err)
	}
	data = append(data, '\n')

	if *output == "" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
	log.Printf("Report written to %s", *output)
}

func analyzeLogs(sendPath, receivePath string) (*analysis.Report, error) {
	sendFile, err := os.Open(sendPath)
	if err != nil {
		return nil, errors.Wrap(err, "open send log")
	}
	defer sendFile.Close()

	receiveFile, err := os.Open(receivePath)
	if err != nil {
		return nil, errors.Wrap(err, "open receive log")
	}
	defer receiveFile.Close()

	sends, err := analysis.ReadSendLog(sendFile)
	if err != nil {
		return nil, errors.Wrap(err, "parse send log")
	}
	receives, err := analysis.ReadReceiveLog(receiveFile)
	if err != nil {
		return nil, errors.Wrap(err, "parse receive log")
	}

	return analysis.Analyze(sends, receives)
}
