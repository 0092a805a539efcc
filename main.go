package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ebfe/scard"
	"github.com/gregLibert/cardtrace/pkg/emv"
	"github.com/gregLibert/cardtrace/pkg/iso7816"
)

const usageText = `cardtrace - decode ISO 7816-4 APDU traffic

Usage:
  cardtrace decode [hex ...]     Decode Command APDUs (reads stdin if no args)
  cardtrace response [hex ...]   Decode Response APDUs (reads stdin if no args)
  cardtrace probe                Explore a live card over PC/SC (EMV demo)

Hex input may contain spaces, e.g. "00 A4 04 00 02 AA BB".`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usageText)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "decode":
		forEachHexInput(os.Args[2:], decodeCommand)
	case "response":
		forEachHexInput(os.Args[2:], decodeResponse)
	case "probe":
		runProbe()
	default:
		fmt.Println(usageText)
		os.Exit(2)
	}
}

// forEachHexInput applies fn to every hex string given as argument,
// or to every non-empty line of stdin when no arguments are present.
func forEachHexInput(args []string, fn func(raw []byte)) {
	if len(args) > 0 {
		for _, arg := range args {
			raw, err := parseHex(arg)
			if err != nil {
				log.Printf("Skipping %q: %v", arg, err)
				continue
			}
			fn(raw)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := parseHex(line)
		if err != nil {
			log.Printf("Skipping %q: %v", line, err)
			continue
		}
		fn(raw)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Reading stdin failed: %v", err)
	}
}

// parseHex is a lenient variant of tlv.Hex for untrusted CLI input:
// it tolerates spaces but returns an error instead of panicking.
func parseHex(s string) ([]byte, error) {
	clean := strings.ReplaceAll(s, " ", "")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return raw, nil
}

// decodeCommand classifies and reports a single Command APDU.
func decodeCommand(raw []byte) {
	apdu := iso7816.ParseCommandAPDU(raw)

	fmt.Println(apdu.Describe())
	if !apdu.IsValid() {
		fmt.Println("    (no accessor output is trustworthy for an invalid image)")
	}
	fmt.Println()
}

// decodeResponse reports a single Response APDU, attempting an EMV FCI
// interpretation of the payload when one is present.
func decodeResponse(raw []byte) {
	resp, err := iso7816.ParseResponseAPDU(raw)
	if err != nil {
		log.Printf("Not a response APDU: %v", err)
		return
	}

	fmt.Println("=== RESPONSE APDU REPORT ===")
	fmt.Printf("[1] Status: %s\n", resp.Status.Verbose())

	if len(resp.Data) == 0 {
		fmt.Println("[2] No payload.")
		fmt.Println()
		return
	}

	fmt.Printf("[2] Payload (%d bytes): %X\n", len(resp.Data), resp.Data)
	if fci, err := emv.ParseFCI(resp.Data); err == nil {
		fmt.Println(fci.Describe())
	}
	fmt.Println()
}

// =========================================================================
// Live probe mode (PC/SC)
// =========================================================================

// runProbe walks a payment card: select the PSE, read the application
// directory, then select every advertised application.
func runProbe() {
	ctx, card := connectToCard()

	defer func() {
		if err := ctx.Release(); err != nil {
			log.Printf("Warning: Failed to release context: %v", err)
		}
	}()

	defer func() {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			log.Printf("Warning: Failed to disconnect card: %v", err)
		}
	}()

	client := iso7816.NewClient(card)
	cls, _ := iso7816.NewClass(0x00)

	sfi, err := selectPSE(client, cls)
	if err != nil {
		log.Printf("PSE selection: %v", err)
	}

	var candidateAIDs [][]byte
	if sfi > 0 {
		candidateAIDs = readDirectory(client, cls, sfi)
	} else {
		fmt.Println("\n>> Directory walk skipped: no valid SFI found.")
	}

	selectCandidates(client, cls, candidateAIDs)

	fmt.Println("\n>> Probe finished.")
}

// connectToCard handles the PC/SC context establishment and reader connection.
func connectToCard() (*scard.Context, *scard.Card) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		log.Fatalf("Error establishing context: %s", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: Failed to release context during error handling: %v", relErr)
		}
		log.Fatal("No smart card reader found.")
	}

	fmt.Printf(">> Using reader: %s\n", readers[0])

	// Force T=0 or T=1 to avoid "Parameter Incorrect" errors (Error 57)
	card, err := ctx.Connect(readers[0], scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: Failed to release context during error handling: %v", relErr)
		}
		log.Fatalf("Error connecting to card: %s", err)
	}

	return ctx, card
}

// selectPSE selects the Payment System Environment and extracts the directory SFI.
func selectPSE(client *iso7816.Client, cls iso7816.Class) (byte, error) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 1: SELECT PSE (1PAY.SYS.DDF01)")
	fmt.Println("=============================================")

	trace, err := client.Send(iso7816.SelectByAID(cls, []byte("1PAY.SYS.DDF01")))
	if err != nil {
		return 0, fmt.Errorf("transmission failed: %w", err)
	}

	res, err := iso7816.NewSelectResult(trace)
	if err != nil {
		return 0, fmt.Errorf("result creation failed: %w", err)
	}

	fmt.Println(res.Describe())

	if !res.IsSuccess() {
		return 0, fmt.Errorf("PSE selection failed with status: %s", res.Last().Response.Status.Verbose())
	}

	fciEmv, err := emv.ParseFCI(res.Last().Response.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse PSE FCI: %w", err)
	}

	fmt.Println(fciEmv.Describe())

	if len(fciEmv.ProprietaryTemplate.SFI) > 0 {
		return fciEmv.ProprietaryTemplate.SFI[0], nil
	}
	return 0, nil
}

// readDirectory iterates over the records of the SFI collecting Application IDs.
func readDirectory(client *iso7816.Client, cls iso7816.Class, sfi byte) [][]byte {
	fmt.Println("\n=============================================")
	fmt.Printf(" Step 2: EXPLORING DIRECTORY (SFI %d)\n", sfi)
	fmt.Println("=============================================")

	var collectedAIDs [][]byte

	// Records are numbered 1..30 at most per EF.
	for recNum := byte(1); recNum <= 30; recNum++ {
		trace, err := client.Send(iso7816.ReadRecord(cls, sfi, recNum))
		if err != nil {
			log.Printf("(!) Communication broken: %v", err)
			break
		}

		if trace.Last().Response.Status == iso7816.SW_ERR_RECORD_NOT_FOUND {
			fmt.Println(">> End of directory reached.")
			break
		}

		res, _ := iso7816.NewReadRecordResult(trace)
		fmt.Println(res.Describe())

		if !res.IsSuccess() {
			continue
		}

		record, err := emv.ParseDirectoryRecord(trace.Last().Response.Data)
		if err != nil {
			fmt.Printf("   (!) Failed to parse EMV directory record: %v\n", err)
			continue
		}

		fmt.Println(record.Describe())
		for _, app := range record.Applications {
			if len(app.AID) > 0 {
				fmt.Printf("      [+] Candidate AID: %X (%s)\n", app.AID, app.ApplicationLabel)
				collectedAIDs = append(collectedAIDs, app.AID)
			}
		}
	}

	return collectedAIDs
}

// selectCandidates selects each discovered application in turn.
func selectCandidates(client *iso7816.Client, cls iso7816.Class, aids [][]byte) {
	fmt.Println("\n=============================================")
	fmt.Printf(" Step 3: SELECTING CANDIDATE APPLICATIONS (%d found)\n", len(aids))
	fmt.Println("=============================================")

	if len(aids) == 0 {
		fmt.Println(">> No applications found to select.")
		return
	}

	for i, aid := range aids {
		fmt.Printf("\n [App %d/%d] Selecting AID: %X\n", i+1, len(aids), aid)

		trace, err := client.Send(iso7816.SelectByAID(cls, aid))
		if err != nil {
			log.Printf("Transmission failed for AID %X: %v", aid, err)
			continue
		}

		res, _ := iso7816.NewSelectResult(trace)
		if !res.IsSuccess() {
			fmt.Printf("Selection failed: %s\n", res.Last().Response.Status.Verbose())
			continue
		}

		if fciEmv, err := emv.ParseFCI(res.Last().Response.Data); err == nil {
			fmt.Println(fciEmv.Describe())
		} else {
			fmt.Println(res.Describe())
		}
	}
}
