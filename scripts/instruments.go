package main

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/aiatrade/pricestream/internal/config"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

// This function will query the broker account for tradeable instrument info and store it in a csv file.
// Users can look up to this csv file to give instrument names in the app configuration.
// CSV file created at ./scripts/instruments.csv.
func main() {
	_ = godotenv.Load()
	creds, err := config.LoadSecrets("./config/secrets.json", "oanda")
	if err != nil {
		log.Error().Err(err).Str("broker", "oanda").Msg("load credentials")
		return
	}

	f, err := os.Create("./scripts/instruments.csv")
	if err != nil {
		log.Error().Err(err).Str("broker", "oanda").Msg("csv file create")
		return
	}
	w := csv.NewWriter(f)
	defer w.Flush()
	defer f.Close()

	req, err := http.NewRequest(http.MethodGet, config.OandaRESTBaseURL+"accounts/"+creds.AccountID+"/instruments", nil)
	if err != nil {
		log.Error().Err(err).Str("broker", "oanda").Msg("broker request for instruments")
		return
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("broker", "oanda").Msg("broker request for instruments")
		return
	}
	oandaInstruments := oandaResp{}
	if err = jsoniter.NewDecoder(resp.Body).Decode(&oandaInstruments); err != nil {
		log.Error().Err(err).Str("broker", "oanda").Msg("convert instruments response")
		return
	}
	resp.Body.Close()
	for _, record := range oandaInstruments.Instruments {
		if err = w.Write([]string{record.Name, record.Type, strconv.Itoa(record.DisplayPrecision)}); err != nil {
			log.Error().Err(err).Str("broker", "oanda").Msg("writing instruments to csv")
			return
		}
	}

	fmt.Println("CSV file generated successfully at ./scripts/instruments.csv")
}

type oandaResp struct {
	Instruments []oandaRespRes `json:"instruments"`
}
type oandaRespRes struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	DisplayPrecision int    `json:"displayPrecision"`
}
