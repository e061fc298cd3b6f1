package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/playscope/pkg/models"
)

var (
	topK     int
	weighted bool
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List commands the server can run as jobs",
	Args:  cobra.NoArgs,
	RunE:  runCommands,
}

var similarCmd = &cobra.Command{
	Use:   "similar <experience-id>",
	Short: "Find experiences similar to an existing one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimilar,
}

var searchCmd = &cobra.Command{
	Use:   "search <text>...",
	Short: "Find experiences matching free text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var experienceCmd = &cobra.Command{
	Use:   "experience <experience-id>",
	Short: "Show a corpus record",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperience,
}

func init() {
	rootCmd.AddCommand(commandsCmd, similarCmd, searchCmd, experienceCmd)

	for _, c := range []*cobra.Command{similarCmd, searchCmd} {
		c.Flags().IntVarP(&topK, "top", "k", 10, "number of results (0 for all)")
		c.Flags().BoolVar(&weighted, "popular", false, "weight scores by popularity")
	}
}

func runCommands(cmd *cobra.Command, args []string) error {
	var result struct {
		Commands []string `json:"commands"`
		Count    int      `json:"count"`
	}
	if err := doJSON(http.MethodGet, "/api/v1/commands", nil, http.StatusOK, &result); err != nil {
		return err
	}
	return render(result, func() {
		for _, name := range result.Commands {
			fmt.Println(name)
		}
	})
}

type rankResponse struct {
	Query   string                    `json:"query,omitempty"`
	Results []models.RankedExperience `json:"results"`
	Count   int                       `json:"count"`
}

func runSimilar(cmd *cobra.Command, args []string) error {
	req := models.SimilarRequest{ID: args[0], K: topK, PopularityWeighted: weighted}
	var result rankResponse
	if err := doJSON(http.MethodPost, "/api/v1/similar", req, http.StatusOK, &result); err != nil {
		return err
	}
	return renderRanking(result)
}

func runSearch(cmd *cobra.Command, args []string) error {
	req := models.SearchRequest{Query: strings.Join(args, " "), K: topK, PopularityWeighted: weighted}
	var result rankResponse
	if err := doJSON(http.MethodPost, "/api/v1/search", req, http.StatusOK, &result); err != nil {
		return err
	}
	return renderRanking(result)
}

func renderRanking(result rankResponse) error {
	return render(result, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("#", "ID", "Name", "Score")
		for i, r := range result.Results {
			table.Append(strconv.Itoa(i+1), r.ID, r.Name, fmt.Sprintf("%.4f", r.Score))
		}
		table.Render()
	})
}

func runExperience(cmd *cobra.Command, args []string) error {
	var exp models.Experience
	if err := doJSON(http.MethodGet, "/api/v1/experiences/"+url.PathEscape(args[0]), nil, http.StatusOK, &exp); err != nil {
		return err
	}
	return render(exp, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Universe ID", exp.UniverseID)
		table.Append("Name", exp.Name)
		table.Append("Creator", exp.Creator)
		table.Append("Genre", exp.Genre)
		table.Append("Visits", strconv.FormatInt(exp.Visits, 10))
		table.Append("Playing", strconv.FormatInt(exp.Playing, 10))
		table.Append("Votes", fmt.Sprintf("+%d / -%d", exp.UpVotes, exp.DownVotes))
		if exp.GeneratedDescription != "" {
			table.Append("Summary", truncate(exp.GeneratedDescription, 80))
		}
		if len(exp.Tags) > 0 {
			table.Append("Tags", strings.Join(exp.Tags, ", "))
		}
		table.Render()
	})
}
